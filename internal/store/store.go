// Package store defines the persistence interfaces the services consume.
// Handlers and services only ever see these interfaces, so tests substitute
// the in-memory implementations and production wires the gorm ones.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atelierhq/atelier/internal/models"
	"github.com/atelierhq/atelier/pkg/types"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("store: duplicate")
	// ErrQuotaExceeded is returned by UsageStore.Reserve at the daily limit.
	ErrQuotaExceeded = errors.New("store: daily quota exceeded")
)

// EventLogStore records inbound webhook events. Insert is the idempotency
// barrier: it returns ErrDuplicate when the event id was already recorded.
type EventLogStore interface {
	Insert(ctx context.Context, ev *models.PaymentEvent) error
}

// ScanPaymentsRequest is the admin listing request.
type ScanPaymentsRequest struct {
	Filters   []*types.CommonFilter
	From      int
	Size      int
	SortBy    string
	SortOrder string
}

type PaymentStore interface {
	Create(ctx context.Context, p *models.Payment) error
	GetBySessionID(ctx context.Context, sessionID string) (*models.Payment, error)
	GetByInvoiceID(ctx context.Context, invoiceID string) (*models.Payment, error)
	// ListByBookingID returns payments newest first.
	ListByBookingID(ctx context.Context, bookingID string) ([]*models.Payment, error)
	Scan(ctx context.Context, req *ScanPaymentsRequest) ([]*models.Payment, int64, error)
}

type BookingStore interface {
	Create(ctx context.Context, b *models.Booking) error
	GetByID(ctx context.Context, id string) (*models.Booking, error)
}

type ProjectStore interface {
	// Create returns ErrDuplicate when the booking already has a project.
	Create(ctx context.Context, p *models.Project) error
	GetByID(ctx context.Context, id string) (*models.Project, error)
	GetByBookingID(ctx context.Context, bookingID string) (*models.Project, error)
	UpdateClientNotes(ctx context.Context, id, notes string) error
	// ListSubscriptionProjects returns all projects on the subscription
	// payment model, for the backfill sweep.
	ListSubscriptionProjects(ctx context.Context) ([]*models.Project, error)
}

type SubscriptionStore interface {
	// UpsertProject inserts or replaces the mirror row keyed by project id.
	UpsertProject(ctx context.Context, ps *models.ProjectSubscription) error
	GetProjectByProjectID(ctx context.Context, projectID string) (*models.ProjectSubscription, error)
	GetProjectBySubscriptionID(ctx context.Context, subscriptionID string) (*models.ProjectSubscription, error)
	// SaveProject persists in-place mutations of an existing mirror row.
	SaveProject(ctx context.Context, ps *models.ProjectSubscription) error
	// UpsertUser inserts or replaces the user-level mirror keyed by user id.
	UpsertUser(ctx context.Context, s *models.Subscription) error
	GetUserByUserID(ctx context.Context, userID string) (*models.Subscription, error)
	// MirrorStatusBySubscriptionID updates status and renewal date on both
	// mirrors keyed by the remote subscription id. Matching no rows is a
	// no-op, not an error: mirrors are never fabricated here.
	MirrorStatusBySubscriptionID(ctx context.Context, subscriptionID string, status types.SubscriptionStatus, periodEnd *time.Time) error
}

type RagStore interface {
	ListChunksByUser(ctx context.Context, userID string) ([]*models.RagChunk, error)
	SaveChunkEmbedding(ctx context.Context, chunkID string, embedding []float64) error
	GetDocumentsByIDs(ctx context.Context, ids []string) ([]*models.RagDocument, error)
}

type UsageStore interface {
	Get(ctx context.Context, userID, day string) (*models.RagUsage, error)
	// Reserve increments the (user, day) counter and returns the new value,
	// or ErrQuotaExceeded once the counter has reached limit. Read-then-write
	// without a transactional guard: concurrent requests can overshoot the
	// limit by the number of in-flight calls, an accepted approximation.
	Reserve(ctx context.Context, userID, day string, limit int) (int, error)
	// Refund decrements the counter, floored at zero.
	Refund(ctx context.Context, userID, day string) error
}

type NotificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
	ExistsSince(ctx context.Context, userID, eventType, entityID string, since time.Time) (bool, error)
}

type UserStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	ListAdmins(ctx context.Context) ([]*models.User, error)
}

// Stores bundles every interface for fx wiring.
type Stores struct {
	Events        EventLogStore
	Payments      PaymentStore
	Bookings      BookingStore
	Projects      ProjectStore
	Subscriptions SubscriptionStore
	Rag           RagStore
	Usage         UsageStore
	Notifications NotificationStore
	Users         UserStore
}
