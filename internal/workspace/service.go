package workspace

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

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrCanvasNotFound indicates the canvas (or its workspace) does not exist.
	ErrCanvasNotFound = errors.New("workspace: canvas not found")
	// ErrWorkspaceNotFound indicates the workspace does not exist.
	ErrWorkspaceNotFound = errors.New("workspace: workspace not found")
	// ErrAccessDenied indicates the user holds no sufficient membership.
	ErrAccessDenied = errors.New("workspace: access denied")
	// ErrOwnerImmutable indicates an attempt to remove the workspace owner's membership.
	ErrOwnerImmutable = errors.New("workspace: owner membership cannot be removed")
)

// ServiceError pairs a stable operation.reason code with its cause.
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
	opServiceNew        = "workspace.service.new"
	opResolvePermission = "workspace.resolve_permission"
	opCreateWorkspace   = "workspace.create_workspace"
	opAddMember         = "workspace.add_member"
	opRemoveMember      = "workspace.remove_member"
	opCreateCanvas      = "workspace.create_canvas"
	opListCanvases      = "workspace.list_canvases"
	opDeleteCanvas      = "workspace.delete_canvas"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new workspaces and canvases.
type IDProvider interface {
	NewID() (string, error)
}

// SnapshotPurger removes all snapshots for a canvas when the canvas is deleted.
type SnapshotPurger interface {
	DeleteCanvasSnapshots(ctx context.Context, canvasID string) error
}

// ServiceConfig describes the dependencies of the workspace service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Snapshots  SnapshotPurger
	Logger     *zap.Logger
}

// Service owns workspace, membership and canvas metadata, and answers
// permission queries for the realtime layer.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	snapshots  SnapshotPurger
	logger     *zap.Logger
}

// NewService constructs the workspace service.
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
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		snapshots:  cfg.Snapshots,
		logger:     logger,
	}, nil
}

// ResolvePermission looks up the canvas's owning workspace and the caller's
// membership row. It is read-only and re-reads membership on every call.
func (s *Service) ResolvePermission(ctx context.Context, canvasID, userID string) (Permission, error) {
	var canvas Canvas
	err := s.db.WithContext(ctx).
		Where("canvas_id = ?", canvasID).
		Take(&canvas).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Permission{}, ErrCanvasNotFound
	}
	if err != nil {
		s.logError(opResolvePermission, "canvas_lookup_failed", err, zap.String("canvas_id", canvasID))
		return Permission{}, newServiceError(opResolvePermission, "canvas_lookup_failed", err)
	}

	membership, err := s.membershipFor(ctx, canvas.WorkspaceID, userID)
	if err != nil {
		return Permission{}, err
	}
	return Permission{Role: membership.Role, CanEdit: membership.Role.CanEdit()}, nil
}

// CreateWorkspace creates a workspace with the creator as its owning admin.
func (s *Service) CreateWorkspace(ctx context.Context, name, ownerID string) (Workspace, error) {
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" || strings.TrimSpace(ownerID) == "" {
		return Workspace{}, newServiceError(opCreateWorkspace, "invalid_input", errors.New("name and owner are required"))
	}

	workspaceID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateWorkspace, "id_generation_failed", err)
		return Workspace{}, newServiceError(opCreateWorkspace, "id_generation_failed", err)
	}

	created := Workspace{
		ID:      workspaceID,
		Name:    trimmedName,
		OwnerID: ownerID,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&created).Error; err != nil {
			return err
		}
		return tx.Create(&Membership{
			WorkspaceID: workspaceID,
			UserID:      ownerID,
			Role:        RoleAdmin,
		}).Error
	})
	if txErr != nil {
		s.logError(opCreateWorkspace, "insert_failed", txErr, zap.String("owner_id", ownerID))
		return Workspace{}, newServiceError(opCreateWorkspace, "insert_failed", txErr)
	}
	return created, nil
}

// AddMember grants or updates a membership role. The acting user must be an admin.
func (s *Service) AddMember(ctx context.Context, actorID, workspaceID, userID string, role Role) error {
	if err := s.requireRole(ctx, workspaceID, actorID, RoleAdmin); err != nil {
		return err
	}
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}

	membership := Membership{
		WorkspaceID: workspaceID,
		UserID:      userID,
		Role:        role,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role"}),
		}).
		Create(&membership).Error
	if err != nil {
		s.logError(opAddMember, "upsert_failed", err,
			zap.String("workspace_id", workspaceID),
			zap.String("user_id", userID))
		return newServiceError(opAddMember, "upsert_failed", err)
	}
	return nil
}

// RemoveMember revokes a membership. The workspace owner can never be removed.
func (s *Service) RemoveMember(ctx context.Context, actorID, workspaceID, userID string) error {
	if err := s.requireRole(ctx, workspaceID, actorID, RoleAdmin); err != nil {
		return err
	}

	var ws Workspace
	err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Take(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrWorkspaceNotFound
	}
	if err != nil {
		s.logError(opRemoveMember, "workspace_lookup_failed", err, zap.String("workspace_id", workspaceID))
		return newServiceError(opRemoveMember, "workspace_lookup_failed", err)
	}
	if ws.OwnerID == userID {
		return ErrOwnerImmutable
	}

	if err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		Delete(&Membership{}).Error; err != nil {
		s.logError(opRemoveMember, "delete_failed", err,
			zap.String("workspace_id", workspaceID),
			zap.String("user_id", userID))
		return newServiceError(opRemoveMember, "delete_failed", err)
	}
	return nil
}

// CreateCanvas creates a canvas in the workspace. Requires write capability.
func (s *Service) CreateCanvas(ctx context.Context, actorID, workspaceID, name, description string) (Canvas, error) {
	membership, err := s.membershipFor(ctx, workspaceID, actorID)
	if err != nil {
		return Canvas{}, err
	}
	if !membership.Role.CanEdit() {
		return Canvas{}, ErrAccessDenied
	}

	canvasID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateCanvas, "id_generation_failed", err)
		return Canvas{}, newServiceError(opCreateCanvas, "id_generation_failed", err)
	}

	created := Canvas{
		ID:          canvasID,
		WorkspaceID: workspaceID,
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
	}
	if created.Name == "" {
		return Canvas{}, newServiceError(opCreateCanvas, "invalid_input", errors.New("canvas name is required"))
	}
	if err := s.db.WithContext(ctx).Create(&created).Error; err != nil {
		s.logError(opCreateCanvas, "insert_failed", err, zap.String("workspace_id", workspaceID))
		return Canvas{}, newServiceError(opCreateCanvas, "insert_failed", err)
	}
	return created, nil
}

// ListCanvases returns the workspace's canvases for any member.
func (s *Service) ListCanvases(ctx context.Context, actorID, workspaceID string) ([]Canvas, error) {
	if _, err := s.membershipFor(ctx, workspaceID, actorID); err != nil {
		return nil, err
	}

	var canvases []Canvas
	if err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("created_at ASC").
		Find(&canvases).Error; err != nil {
		s.logError(opListCanvases, "query_failed", err, zap.String("workspace_id", workspaceID))
		return nil, newServiceError(opListCanvases, "query_failed", err)
	}
	return canvases, nil
}

// DeleteCanvas removes a canvas and cascades to its snapshots. Requires admin.
func (s *Service) DeleteCanvas(ctx context.Context, actorID, canvasID string) error {
	var canvas Canvas
	err := s.db.WithContext(ctx).
		Where("canvas_id = ?", canvasID).
		Take(&canvas).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrCanvasNotFound
	}
	if err != nil {
		s.logError(opDeleteCanvas, "canvas_lookup_failed", err, zap.String("canvas_id", canvasID))
		return newServiceError(opDeleteCanvas, "canvas_lookup_failed", err)
	}

	if err := s.requireRole(ctx, canvas.WorkspaceID, actorID, RoleAdmin); err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).
		Where("canvas_id = ?", canvasID).
		Delete(&Canvas{}).Error; err != nil {
		s.logError(opDeleteCanvas, "delete_failed", err, zap.String("canvas_id", canvasID))
		return newServiceError(opDeleteCanvas, "delete_failed", err)
	}

	if s.snapshots != nil {
		if err := s.snapshots.DeleteCanvasSnapshots(ctx, canvasID); err != nil {
			s.logError(opDeleteCanvas, "snapshot_cascade_failed", err, zap.String("canvas_id", canvasID))
			return newServiceError(opDeleteCanvas, "snapshot_cascade_failed", err)
		}
	}
	return nil
}

func (s *Service) membershipFor(ctx context.Context, workspaceID, userID string) (Membership, error) {
	var membership Membership
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Membership{}, ErrAccessDenied
	}
	if err != nil {
		s.logError(opResolvePermission, "membership_lookup_failed", err,
			zap.String("workspace_id", workspaceID),
			zap.String("user_id", userID))
		return Membership{}, newServiceError(opResolvePermission, "membership_lookup_failed", err)
	}
	return membership, nil
}

func (s *Service) requireRole(ctx context.Context, workspaceID, userID string, minimum Role) error {
	membership, err := s.membershipFor(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	if !membership.Role.AtLeast(minimum) {
		return ErrAccessDenied
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
	s.logger.Error("workspace service error", attrs...)
}
