package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ruleforge-lab/internal/app"
	"ruleforge-lab/internal/domain/models"
)

// detectionFile is the YAML layout accepted by the import command
type detectionFile struct {
	LibraryID  string          `yaml:"library_id" validate:"omitempty,uuid"`
	Detections []detectionEntry `yaml:"detections" validate:"required,min=1,dive"`
}

type detectionEntry struct {
	ID          string        `yaml:"id" validate:"omitempty,uuid"`
	LibraryID   string        `yaml:"library_id" validate:"omitempty,uuid"`
	Title       string        `yaml:"title" validate:"required"`
	Description string        `yaml:"description"`
	Platform    string        `yaml:"platform" validate:"required,oneof=sigma kql spl yara-l"`
	RuleLogic   string        `yaml:"rule_logic" validate:"required"`
	Tags        []string      `yaml:"tags"`
	Status      string        `yaml:"status" validate:"omitempty,oneof=draft published archived"`
	Mappings    []mappingEntry `yaml:"mappings" validate:"dive"`
}

type mappingEntry struct {
	TechniqueID  string  `yaml:"technique_id" validate:"required,technique_id"`
	QualityScore float64 `yaml:"quality_score" validate:"gte=0,lte=1"`
	Confidence   float64 `yaml:"confidence" validate:"gte=0,lte=1"`
}

// parseDetections decodes and validates a detection file. Mappings in the file are
// analyst-authored and are stored as manual mappings.
func parseDetections(r io.Reader) ([]*models.Detection, error) {
	var file detectionFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse detection file: %w", err)
	}

	for i := range file.Detections {
		d := &file.Detections[i]
		d.Platform = strings.ToLower(d.Platform)
		for j := range d.Mappings {
			d.Mappings[j].TechniqueID = strings.ToUpper(d.Mappings[j].TechniqueID)
		}
	}

	v := validator.New()
	v.RegisterValidation("technique_id", func(fl validator.FieldLevel) bool {
		return models.ValidTechniqueID(fl.Field().String())
	})
	if err := v.Struct(file); err != nil {
		return nil, fmt.Errorf("invalid detection file: %w", err)
	}

	out := make([]*models.Detection, 0, len(file.Detections))
	for i, entry := range file.Detections {
		libraryID := entry.LibraryID
		if libraryID == "" {
			libraryID = file.LibraryID
		}
		if libraryID == "" {
			return nil, fmt.Errorf("detection %d (%s): library_id is required", i, entry.Title)
		}

		d := &models.Detection{
			LibraryID:   uuid.MustParse(libraryID),
			Title:       entry.Title,
			Description: entry.Description,
			Platform:    models.Platform(entry.Platform),
			RuleLogic:   entry.RuleLogic,
			Tags:        entry.Tags,
			Status:      models.DetectionStatus(entry.Status),
		}
		if entry.ID != "" {
			d.ID = uuid.MustParse(entry.ID)
		}
		if d.Status == "" {
			d.Status = models.DetectionStatusPublished
		}

		seen := make(map[string]bool, len(entry.Mappings))
		for _, m := range entry.Mappings {
			if seen[m.TechniqueID] {
				return nil, fmt.Errorf("detection %d (%s): duplicate mapping for %s", i, entry.Title, m.TechniqueID)
			}
			seen[m.TechniqueID] = true

			confidence := m.Confidence
			if confidence == 0 {
				confidence = 1.0
			}
			d.Mappings = append(d.Mappings, models.TechniqueMapping{
				TechniqueID:  m.TechniqueID,
				QualityScore: m.QualityScore,
				MappingType:  models.MappingTypeManual,
				Confidence:   confidence,
			})
		}
		out = append(out, d)
	}
	return out, nil
}

var importCmd = &cobra.Command{
	Use:   "import <detections.yaml>",
	Short: "Import detections and their manual technique mappings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open detection file: %w", err)
		}
		defer f.Close()

		detections, err := parseDetections(f)
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			imported := make([]uuid.UUID, 0, len(detections))
			for _, d := range detections {
				saved, err := a.Repos.Detections.Upsert(ctx, d)
				if err != nil {
					return fmt.Errorf("failed to import %q: %w", d.Title, err)
				}
				imported = append(imported, saved.ID)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"imported":      len(imported),
				"detection_ids": imported,
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
