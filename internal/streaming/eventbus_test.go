package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleforge-lab/pkg/logger"
)

func receive(t *testing.T, ch <-chan *CoverageEvent) *CoverageEvent {
	t.Helper()
	select {
	case event, ok := <-ch:
		require.True(t, ok, "channel closed")
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, ch <-chan *CoverageEvent) {
	t.Helper()
	select {
	case event := <-ch:
		t.Fatalf("unexpected event %s", event.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBus_FiltersPerSubscriber(t *testing.T) {
	bus := NewEventBus(nil, logger.NewNop())
	ctx := context.Background()

	all, unsubAll := bus.Subscribe(ctx, nil)
	defer unsubAll()
	onlyA, unsubA := bus.Subscribe(ctx, &Subscription{LibraryIDs: []string{"lib-a"}})
	defer unsubA()

	require.Equal(t, 2, bus.SubscriberCount())

	require.NoError(t, bus.Publish(ctx, &CoverageEvent{Type: EventTypeLibraryAnalyzed, LibraryID: "lib-b"}))

	got := receive(t, all)
	assert.Equal(t, "lib-b", got.LibraryID)
	assert.NotEmpty(t, got.Origin)
	assertNoEvent(t, onlyA)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(nil, logger.NewNop())

	ch, unsubscribe := bus.Subscribe(context.Background(), nil)
	unsubscribe()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok, "channel is closed after unsubscribe")
	assert.Zero(t, bus.SubscriberCount())
	require.NoError(t, bus.Publish(context.Background(), &CoverageEvent{Type: EventTypeLibraryAnalyzed}))
}

func TestEventBusPublisher_LibraryAnalyzedEmitsGapEvents(t *testing.T) {
	bus := NewEventBus(nil, logger.NewNop())
	ch, unsubscribe := bus.Subscribe(context.Background(), nil)
	defer unsubscribe()

	result := libraryResult()
	require.NoError(t, NewEventBusPublisher(bus).LibraryAnalyzed(context.Background(), result))

	first := receive(t, ch)
	assert.Equal(t, EventTypeLibraryAnalyzed, first.Type)
	assert.Equal(t, []string{"T1003"}, first.CriticalGaps)

	second := receive(t, ch)
	assert.Equal(t, EventTypeCriticalGap, second.Type)
	assert.Equal(t, "T1003", second.TechniqueID)
	assert.Equal(t, result.LibraryID.String(), second.LibraryID)
}
