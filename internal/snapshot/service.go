package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultRetain = 10

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError pairs a stable operation.reason code with its cause. Every
// persistence failure surfaces as one of these so callers can log and degrade.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "snapshot.service.new"
	opGetLatest  = "snapshot.get_latest"
	opSave       = "snapshot.save"
	opListSince  = "snapshot.list_since"
	opPrune      = "snapshot.prune"
	opDeleteAll  = "snapshot.delete_canvas_snapshots"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new snapshot rows.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the snapshot store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	// Retain is the number of newest snapshots kept per canvas. Zero means
	// the default of 10.
	Retain int
}

// Service is the durable store for canvas checkpoints.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	retain     int
}

// NewService constructs the snapshot store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	retain := cfg.Retain
	if retain <= 0 {
		retain = defaultRetain
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		retain:     retain,
	}, nil
}

// GetLatest returns the maximum-version snapshot for the canvas, or false
// when no snapshot exists yet (a brand-new canvas starts empty).
func (s *Service) GetLatest(ctx context.Context, canvasID string) (Record, bool, error) {
	if strings.TrimSpace(canvasID) == "" {
		return Record{}, false, ErrInvalidCanvasID
	}

	var model Snapshot
	err := s.db.WithContext(ctx).
		Where("canvas_id = ?", canvasID).
		Order("version DESC").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		s.logError(opGetLatest, "query_failed", err, zap.String("canvas_id", canvasID))
		return Record{}, false, newServiceError(opGetLatest, "query_failed", err)
	}
	return recordFrom(model), true, nil
}

// Save inserts an immutable snapshot row. A concurrent save at the same
// version coalesces to the row that won the insert. Retention pruning runs
// asynchronously after a successful insert and never affects the result.
func (s *Service) Save(ctx context.Context, canvasID string, payload PayloadB64, version int64) (Record, error) {
	if strings.TrimSpace(canvasID) == "" {
		return Record{}, ErrInvalidCanvasID
	}
	if payload == "" {
		return Record{}, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if version <= 0 {
		return Record{}, fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}

	snapshotID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSave, "id_generation_failed", err, zap.String("canvas_id", canvasID))
		return Record{}, newServiceError(opSave, "id_generation_failed", err)
	}

	model := Snapshot{
		ID:               snapshotID,
		CanvasID:         canvasID,
		Version:          version,
		PayloadB64:       payload.String(),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	createResult := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "canvas_id"}, {Name: "version"}},
			DoNothing: true,
		}).
		Create(&model)
	if createResult.Error != nil {
		s.logError(opSave, "insert_failed", createResult.Error,
			zap.String("canvas_id", canvasID),
			zap.Int64("version", version))
		return Record{}, newServiceError(opSave, "insert_failed", createResult.Error)
	}

	if createResult.RowsAffected == 0 {
		var existing Snapshot
		err := s.db.WithContext(ctx).
			Where("canvas_id = ? AND version = ?", canvasID, version).
			Take(&existing).Error
		if err != nil {
			s.logError(opSave, "lookup_failed", err,
				zap.String("canvas_id", canvasID),
				zap.Int64("version", version))
			return Record{}, newServiceError(opSave, "lookup_failed", err)
		}
		return recordFrom(existing), nil
	}

	go func() {
		if err := s.Prune(context.Background(), canvasID); err != nil {
			s.logger.Warn("snapshot prune failed",
				zap.String("canvas_id", canvasID),
				zap.Error(err))
		}
	}()

	return recordFrom(model), nil
}

// ListSince returns snapshots with version greater than afterVersion,
// ascending by version.
func (s *Service) ListSince(ctx context.Context, canvasID string, afterVersion int64) ([]Record, error) {
	if strings.TrimSpace(canvasID) == "" {
		return nil, ErrInvalidCanvasID
	}

	var models []Snapshot
	if err := s.db.WithContext(ctx).
		Where("canvas_id = ? AND version > ?", canvasID, afterVersion).
		Order("version ASC").
		Find(&models).Error; err != nil {
		s.logError(opListSince, "query_failed", err, zap.String("canvas_id", canvasID))
		return nil, newServiceError(opListSince, "query_failed", err)
	}

	records := make([]Record, 0, len(models))
	for _, model := range models {
		records = append(records, recordFrom(model))
	}
	return records, nil
}

// Prune deletes every snapshot for the canvas older than the newest retained
// set. Save calls it on a goroutine; tests may call it directly.
func (s *Service) Prune(ctx context.Context, canvasID string) error {
	var retainedVersions []int64
	if err := s.db.WithContext(ctx).
		Model(&Snapshot{}).
		Where("canvas_id = ?", canvasID).
		Order("version DESC").
		Limit(s.retain).
		Pluck("version", &retainedVersions).Error; err != nil {
		return newServiceError(opPrune, "query_failed", err)
	}
	if len(retainedVersions) < s.retain {
		return nil
	}

	cutoff := retainedVersions[len(retainedVersions)-1]
	if err := s.db.WithContext(ctx).
		Where("canvas_id = ? AND version < ?", canvasID, cutoff).
		Delete(&Snapshot{}).Error; err != nil {
		return newServiceError(opPrune, "delete_failed", err)
	}
	return nil
}

// DeleteCanvasSnapshots removes every snapshot for the canvas. Used by the
// workspace service when a canvas is deleted.
func (s *Service) DeleteCanvasSnapshots(ctx context.Context, canvasID string) error {
	if err := s.db.WithContext(ctx).
		Where("canvas_id = ?", canvasID).
		Delete(&Snapshot{}).Error; err != nil {
		s.logError(opDeleteAll, "delete_failed", err, zap.String("canvas_id", canvasID))
		return newServiceError(opDeleteAll, "delete_failed", err)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("snapshot service error", attrs...)
}
