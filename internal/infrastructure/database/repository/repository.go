package repository

import (
	"ruleforge-lab/internal/infrastructure/database"
	"ruleforge-lab/pkg/logger"
)

// Repositories holds all repository instances
type Repositories struct {
	Detections *DetectionRepository
	Mappings   *MappingRepository
}

// NewRepositories creates all repository instances from a database handle
func NewRepositories(db database.DBTX, log *logger.Logger) *Repositories {
	return &Repositories{
		Detections: NewDetectionRepository(db, log),
		Mappings:   NewMappingRepository(db, log),
	}
}
