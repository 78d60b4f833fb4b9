package audit

import (
	"context"
	"errors"
	"time"

	"credits-platform/pkg/logger"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only. No Update/Delete methods exist.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByUser(ctx context.Context, userID string, limit int) ([]Event, error)
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Records are exposed to operators, never to end users.
// - Callers treat audit logging as best-effort (see Record).
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.UserID == "" || e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	if e.IPAddress == "" {
		e.IPAddress = ClientIPFromContext(ctx)
	}
	return s.repo.Append(ctx, e)
}

// Record appends e and only logs a failure. A nil Service is a no-op.
func (s *Service) Record(ctx context.Context, e Event) {
	if s == nil {
		return
	}
	if err := s.Append(ctx, e); err != nil {
		logger.From(ctx).Warn("audit append failed", "type", e.Type, "user_id", e.UserID, "err", err)
	}
}

// LogAdminGrant records credits granted by an operator (including hidden roles).
func (s *Service) LogAdminGrant(ctx context.Context, userID, actorUserID, actorRole, entryID, message string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeAdminGrant,
		UserID:      userID,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		EntryID:     entryID,
		Message:     message,
	})
}

// LogVoid records an operator voiding a grant.
func (s *Service) LogVoid(ctx context.Context, userID, actorUserID, actorRole, entryID string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeGrantVoided,
		UserID:      userID,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		EntryID:     entryID,
		Message:     "grant voided",
	})
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ListByUser returns up to limit events about userID, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]Event, error) {
	if userID == "" {
		return nil, ErrInvalidEvent
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.repo.ListByUser(ctx, userID, min(limit, maxListLimit))
}
