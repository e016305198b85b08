package streaming

import (
	"context"
	"errors"

	"ruleforge-lab/internal/domain/models"
)

// EventBusPublisher turns completed analyses into coverage events on the event bus
type EventBusPublisher struct {
	eventBus *EventBus
}

// NewEventBusPublisher creates a new publisher adapter
func NewEventBusPublisher(eventBus *EventBus) *EventBusPublisher {
	return &EventBusPublisher{eventBus: eventBus}
}

// DetectionAnalyzed publishes a detection_analyzed event
func (p *EventBusPublisher) DetectionAnalyzed(ctx context.Context, detection *models.Detection, result *models.DetectionCoverageResult) error {
	return p.eventBus.Publish(ctx, NewDetectionEvent(detection, result))
}

// LibraryAnalyzed publishes a library_analyzed event followed by one event per critical gap
func (p *EventBusPublisher) LibraryAnalyzed(ctx context.Context, result *models.LibraryCoverageResult) error {
	var errs []error
	if err := p.eventBus.Publish(ctx, NewLibraryEvent(result)); err != nil {
		errs = append(errs, err)
	}
	for _, event := range NewCriticalGapEvents(result) {
		if err := p.eventBus.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
