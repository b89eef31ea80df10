package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atelierhq/atelier/internal/models"
	"github.com/atelierhq/atelier/pkg/tool"
	"github.com/atelierhq/atelier/pkg/types"
)

// GormStores implements every store interface on a shared *gorm.DB. The DB is
// opened with TranslateError so unique-constraint violations surface as
// gorm.ErrDuplicatedKey regardless of driver.
type GormStores struct {
	db *gorm.DB
}

func NewGormStores(db *gorm.DB) *GormStores { return &GormStores{db: db} }

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}

// --- EventLogStore ---

func (s *GormStores) Insert(ctx context.Context, ev *models.PaymentEvent) error {
	if ev.ID == "" {
		ev.ID = tool.GenerateUUIDV7()
	}
	return translate(s.db.WithContext(ctx).Create(ev).Error)
}

// --- PaymentStore ---

func (s *GormStores) Create(ctx context.Context, p *models.Payment) error {
	if p.ID == "" {
		p.ID = tool.GenerateUUIDV7()
	}
	return translate(s.db.WithContext(ctx).Create(p).Error)
}

func (s *GormStores) GetBySessionID(ctx context.Context, sessionID string) (*models.Payment, error) {
	var p models.Payment
	if err := s.db.WithContext(ctx).Where("stripe_session_id = ?", sessionID).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *GormStores) GetByInvoiceID(ctx context.Context, invoiceID string) (*models.Payment, error) {
	var p models.Payment
	if err := s.db.WithContext(ctx).Where("stripe_invoice_id = ?", invoiceID).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *GormStores) ListByBookingID(ctx context.Context, bookingID string) ([]*models.Payment, error) {
	var rows []*models.Payment
	if err := s.db.WithContext(ctx).Where("booking_id = ?", bookingID).Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// filtersAnd combines CommonFilter expressions for the admin listing.
type filtersAnd struct{ filters []*types.CommonFilter }

func (w filtersAnd) Build(builder clause.Builder) {
	if len(w.filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	exprs := make([]clause.Expression, 0, len(w.filters))
	for _, f := range w.filters {
		exprs = append(exprs, f)
	}
	clause.And(exprs...).Build(builder)
}

func (s *GormStores) Scan(ctx context.Context, req *ScanPaymentsRequest) ([]*models.Payment, int64, error) {
	if req == nil {
		return nil, 0, fmt.Errorf("nil request")
	}
	if req.Size <= 0 {
		req.Size = 10
	}

	tx := s.db.WithContext(ctx).Model(&models.Payment{})
	if len(req.Filters) > 0 {
		tx = tx.Where(clause.Where{Exprs: []clause.Expression{filtersAnd{filters: req.Filters}}})
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count payments: %w", err)
	}

	q := tx.Limit(req.Size)
	if req.From > 0 {
		q = q.Offset(req.From)
	}
	if req.SortBy != "" {
		q = q.Order(clause.OrderBy{Columns: []clause.OrderByColumn{{Column: clause.Column{Name: req.SortBy}, Desc: req.SortOrder != "asc"}}})
	}

	var rows []*models.Payment
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list payments: %w", err)
	}
	return rows, total, nil
}

// --- BookingStore ---

func (s *GormStores) CreateBooking(ctx context.Context, b *models.Booking) error {
	if b.ID == "" {
		b.ID = tool.GenerateUUIDV7()
	}
	return translate(s.db.WithContext(ctx).Create(b).Error)
}

func (s *GormStores) GetBookingByID(ctx context.Context, id string) (*models.Booking, error) {
	var b models.Booking
	if err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

// --- ProjectStore ---

func (s *GormStores) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = tool.GenerateUUIDV7()
	}
	return translate(s.db.WithContext(ctx).Create(p).Error)
}

func (s *GormStores) GetProjectByID(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *GormStores) GetProjectByBookingID(ctx context.Context, bookingID string) (*models.Project, error) {
	var p models.Project
	if err := s.db.WithContext(ctx).Where("booking_id = ?", bookingID).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *GormStores) UpdateProjectClientNotes(ctx context.Context, id, notes string) error {
	return s.db.WithContext(ctx).Model(&models.Project{}).Where("id = ?", id).Update("client_notes", notes).Error
}

func (s *GormStores) ListSubscriptionProjects(ctx context.Context) ([]*models.Project, error) {
	var rows []*models.Project
	if err := s.db.WithContext(ctx).Where("payment_model = ?", types.PaymentModelSubscription).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// --- SubscriptionStore ---

func (s *GormStores) UpsertProject(ctx context.Context, ps *models.ProjectSubscription) error {
	if ps.ID == "" {
		ps.ID = tool.GenerateUUIDV7()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "stripe_subscription_id", "stripe_customer_id", "checkout_session_id",
			"status", "current_period_end", "canceled_at", "cancel_reason", "access_until", "updated_at",
		}),
	}).Create(ps).Error
}

func (s *GormStores) GetProjectByProjectID(ctx context.Context, projectID string) (*models.ProjectSubscription, error) {
	var ps models.ProjectSubscription
	if err := s.db.WithContext(ctx).Where("project_id = ?", projectID).First(&ps).Error; err != nil {
		return nil, translate(err)
	}
	return &ps, nil
}

func (s *GormStores) GetProjectBySubscriptionID(ctx context.Context, subscriptionID string) (*models.ProjectSubscription, error) {
	var ps models.ProjectSubscription
	if err := s.db.WithContext(ctx).Where("stripe_subscription_id = ?", subscriptionID).First(&ps).Error; err != nil {
		return nil, translate(err)
	}
	return &ps, nil
}

func (s *GormStores) SaveProject(ctx context.Context, ps *models.ProjectSubscription) error {
	return s.db.WithContext(ctx).Save(ps).Error
}

func (s *GormStores) UpsertUser(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == "" {
		sub.ID = tool.GenerateUUIDV7()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"stripe_subscription_id", "stripe_customer_id", "status",
			"current_period_end", "canceled_at", "updated_at",
		}),
	}).Create(sub).Error
}

func (s *GormStores) GetUserByUserID(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}

func (s *GormStores) MirrorStatusBySubscriptionID(ctx context.Context, subscriptionID string, status types.SubscriptionStatus, periodEnd *time.Time) error {
	updates := map[string]any{"status": status}
	if periodEnd != nil {
		updates["current_period_end"] = periodEnd
	}
	if status == types.SubscriptionStatusCanceled {
		updates["canceled_at"] = time.Now()
	}
	if err := s.db.WithContext(ctx).Model(&models.ProjectSubscription{}).
		Where("stripe_subscription_id = ?", subscriptionID).Updates(updates).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("stripe_subscription_id = ?", subscriptionID).Updates(updates).Error
}

// --- RagStore ---

func (s *GormStores) ListChunksByUser(ctx context.Context, userID string) ([]*models.RagChunk, error) {
	var rows []*models.RagChunk
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("document_id, chunk_index").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *GormStores) SaveChunkEmbedding(ctx context.Context, chunkID string, embedding []float64) error {
	var chunk models.RagChunk
	if err := chunk.SetEmbeddingVector(embedding); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&models.RagChunk{}).Where("id = ?", chunkID).Update("embedding", chunk.Embedding).Error
}

func (s *GormStores) GetDocumentsByIDs(ctx context.Context, ids []string) ([]*models.RagDocument, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []*models.RagDocument
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// --- UsageStore ---

func (s *GormStores) Get(ctx context.Context, userID, day string) (*models.RagUsage, error) {
	var u models.RagUsage
	if err := s.db.WithContext(ctx).Where("user_id = ? AND usage_date = ?", userID, day).First(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s *GormStores) Reserve(ctx context.Context, userID, day string, limit int) (int, error) {
	u, err := s.Get(ctx, userID, day)
	if errors.Is(err, ErrNotFound) {
		u = &models.RagUsage{ID: tool.GenerateUUIDV7(), UserID: userID, UsageDate: day}
		if err := s.db.WithContext(ctx).Create(u).Error; err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
			return 0, err
		}
		if u, err = s.Get(ctx, userID, day); err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}
	if u.QuestionsUsed >= limit {
		return u.QuestionsUsed, ErrQuotaExceeded
	}
	u.QuestionsUsed++
	if err := s.db.WithContext(ctx).Model(u).Update("questions_used", u.QuestionsUsed).Error; err != nil {
		return 0, err
	}
	return u.QuestionsUsed, nil
}

func (s *GormStores) Refund(ctx context.Context, userID, day string) error {
	return s.db.WithContext(ctx).Model(&models.RagUsage{}).
		Where("user_id = ? AND usage_date = ? AND questions_used > 0", userID, day).
		Update("questions_used", gorm.Expr("questions_used - 1")).Error
}

// --- NotificationStore ---

func (s *GormStores) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = tool.GenerateUUIDV7()
	}
	return s.db.WithContext(ctx).Create(n).Error
}

func (s *GormStores) ExistsSince(ctx context.Context, userID, eventType, entityID string, since time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND event_type = ? AND entity_id = ? AND created_at >= ?", userID, eventType, entityID, since).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// --- UserStore ---

func (s *GormStores) GetAccountByID(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s *GormStores) ListAdmins(ctx context.Context) ([]*models.User, error) {
	var rows []*models.User
	if err := s.db.WithContext(ctx).Where("role = ?", types.UserRoleAdmin).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// adapters narrow GormStores onto the per-domain interfaces where method
// names collide across domains.

type gormBookings struct{ *GormStores }

func (g gormBookings) Create(ctx context.Context, b *models.Booking) error {
	return g.CreateBooking(ctx, b)
}
func (g gormBookings) GetByID(ctx context.Context, id string) (*models.Booking, error) {
	return g.GetBookingByID(ctx, id)
}

type gormProjects struct{ *GormStores }

func (g gormProjects) Create(ctx context.Context, p *models.Project) error {
	return g.CreateProject(ctx, p)
}
func (g gormProjects) GetByID(ctx context.Context, id string) (*models.Project, error) {
	return g.GetProjectByID(ctx, id)
}
func (g gormProjects) GetByBookingID(ctx context.Context, bookingID string) (*models.Project, error) {
	return g.GetProjectByBookingID(ctx, bookingID)
}
func (g gormProjects) UpdateClientNotes(ctx context.Context, id, notes string) error {
	return g.UpdateProjectClientNotes(ctx, id, notes)
}

type gormNotifications struct{ *GormStores }

func (g gormNotifications) Create(ctx context.Context, n *models.Notification) error {
	return g.CreateNotification(ctx, n)
}

type gormUsers struct{ *GormStores }

func (g gormUsers) GetByID(ctx context.Context, id string) (*models.User, error) {
	return g.GetAccountByID(ctx, id)
}

// NewStores builds the production store bundle.
func NewStores(db *gorm.DB) *Stores {
	g := NewGormStores(db)
	return &Stores{
		Events:        g,
		Payments:      g,
		Bookings:      gormBookings{g},
		Projects:      gormProjects{g},
		Subscriptions: g,
		Rag:           g,
		Usage:         g,
		Notifications: gormNotifications{g},
		Users:         gormUsers{g},
	}
}

// Module provides the store bundle and its interfaces via Fx.
var Module = fx.Options(
	fx.Provide(NewStores),
	fx.Provide(func(s *Stores) EventLogStore { return s.Events }),
	fx.Provide(func(s *Stores) PaymentStore { return s.Payments }),
	fx.Provide(func(s *Stores) BookingStore { return s.Bookings }),
	fx.Provide(func(s *Stores) ProjectStore { return s.Projects }),
	fx.Provide(func(s *Stores) SubscriptionStore { return s.Subscriptions }),
	fx.Provide(func(s *Stores) RagStore { return s.Rag }),
	fx.Provide(func(s *Stores) UsageStore { return s.Usage }),
	fx.Provide(func(s *Stores) NotificationStore { return s.Notifications }),
	fx.Provide(func(s *Stores) UserStore { return s.Users }),
)
