package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atelierhq/atelier/internal/models"
	"github.com/atelierhq/atelier/pkg/tool"
	"github.com/atelierhq/atelier/pkg/types"
)

// MemoryStores is an in-memory implementation of every store interface,
// used as the test double across the service packages.
type MemoryStores struct {
	mu sync.Mutex

	EventRows        []*models.PaymentEvent
	PaymentRows      []*models.Payment
	BookingRows      []*models.Booking
	ProjectRows      []*models.Project
	ProjectSubRows   []*models.ProjectSubscription
	UserSubRows      []*models.Subscription
	ChunkRows        []*models.RagChunk
	DocumentRows     []*models.RagDocument
	UsageRows        []*models.RagUsage
	NotificationRows []*models.Notification
	UserRows         []*models.User
}

func NewMemoryStores() *MemoryStores { return &MemoryStores{} }

// AsStores exposes the fake as a production-shaped bundle.
func (m *MemoryStores) AsStores() *Stores {
	return &Stores{
		Events:        m,
		Payments:      m,
		Bookings:      memBookings{m},
		Projects:      memProjects{m},
		Subscriptions: m,
		Rag:           m,
		Usage:         m,
		Notifications: memNotifications{m},
		Users:         memUsers{m},
	}
}

func (m *MemoryStores) Insert(_ context.Context, ev *models.PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.EventRows {
		if row.EventID == ev.EventID {
			return ErrDuplicate
		}
	}
	if ev.ID == "" {
		ev.ID = tool.GenerateUUIDV7()
	}
	ev.CreatedAt = time.Now()
	m.EventRows = append(m.EventRows, ev)
	return nil
}

func (m *MemoryStores) Create(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.PaymentRows {
		if p.StripeSessionID != nil && row.StripeSessionID != nil && *row.StripeSessionID == *p.StripeSessionID {
			return ErrDuplicate
		}
		if p.StripeInvoiceID != nil && row.StripeInvoiceID != nil && *row.StripeInvoiceID == *p.StripeInvoiceID {
			return ErrDuplicate
		}
	}
	if p.ID == "" {
		p.ID = tool.GenerateUUIDV7()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.PaymentRows = append(m.PaymentRows, p)
	return nil
}

func (m *MemoryStores) GetBySessionID(_ context.Context, sessionID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.PaymentRows {
		if row.StripeSessionID != nil && *row.StripeSessionID == sessionID {
			return row, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStores) GetByInvoiceID(_ context.Context, invoiceID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.PaymentRows {
		if row.StripeInvoiceID != nil && *row.StripeInvoiceID == invoiceID {
			return row, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStores) ListByBookingID(_ context.Context, bookingID string) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Payment
	for _, row := range m.PaymentRows {
		if row.BookingID != nil && *row.BookingID == bookingID {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStores) Scan(_ context.Context, req *ScanPaymentsRequest) ([]*models.Payment, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]*models.Payment(nil), m.PaymentRows...)
	total := int64(len(out))
	if req != nil && req.From > 0 && req.From < len(out) {
		out = out[req.From:]
	}
	if req != nil && req.Size > 0 && len(out) > req.Size {
		out = out[:req.Size]
	}
	return out, total, nil
}

func (m *MemoryStores) createBooking(b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = tool.GenerateUUIDV7()
	}
	b.CreatedAt = time.Now()
	m.BookingRows = append(m.BookingRows, b)
	return nil
}

func (m *MemoryStores) getBookingByID(id string) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.BookingRows {
		if row.ID == id {
			return row, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStores) createProject(p *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.ProjectRows {
		if p.BookingID != nil && row.BookingID != nil && *row.BookingID == *p.BookingID {
			return ErrDuplicate
		}
	}
	if p.ID == "" {
		p.ID = tool.GenerateUUIDV7()
	}
	p.CreatedAt = time.Now()
	m.ProjectRows = append(m.ProjectRows, p)
	return nil
}

func (m *MemoryStores) getProjectByID(id string) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.ProjectRows {
		if row.ID == id {
			return row, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStores) getProjectByBookingID(bookingID string) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.ProjectRows {
		if row.BookingID != nil && *row.BookingID == bookingID {
			return row, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStores) updateProjectClientNotes(id, notes string) error {
	p, err := m.getProjectByID(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ClientNotes = notes
	return nil
}

func (m *MemoryStores) ListSubscriptionProjects(_ context.Context) ([]*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Project
	for _, row := range m.ProjectRows {
		if row.PaymentModel == types.PaymentModelSubscription {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *MemoryStores) UpsertProject(_ context.Context, ps *models.ProjectSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, row := range m.ProjectSubRows {
		if row.ProjectID == ps.ProjectID {
			ps.ID = row.ID
			ps.CreatedAt = row.CreatedAt
			m.ProjectSubRows[i] = ps
			return nil
		}
	}
	if ps.ID == "" {
		ps.ID = tool.GenerateUUIDV7()
	}
	ps.CreatedAt = time.Now()
	m.ProjectSubRows = append(m.ProjectSubRows, ps)
	return nil
}

func (m *MemoryStores) GetProjectByProjectID(_ context.Context, projectID string) (*models.ProjectSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.ProjectSubRows {
		if row.ProjectID == projectID {
			return row, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStores) GetProjectBySubscriptionID(_ context.Context, subscriptionID string) (*models.ProjectSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.ProjectSubRows {
		if row.StripeSubscriptionID == subscriptionID {
			return row, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStores) SaveProject(_ context.Context, ps *models.ProjectSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, row := range m.ProjectSubRows {
		if row.ID == ps.ID {
			m.ProjectSubRows[i] = ps
			return nil
		}
	}
	m.ProjectSubRows = append(m.ProjectSubRows, ps)
	return nil
}

func (m *MemoryStores) UpsertUser(_ context.Context, s *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, row := range m.UserSubRows {
		if row.UserID == s.UserID {
			s.ID = row.ID
			s.CreatedAt = row.CreatedAt
			m.UserSubRows[i] = s
			return nil
		}
	}
	if s.ID == "" {
		s.ID = tool.GenerateUUIDV7()
	}
	s.CreatedAt = time.Now()
	m.UserSubRows = append(m.UserSubRows, s)
	return nil
}

func (m *MemoryStores) GetUserByUserID(_ context.Context, userID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.UserSubRows {
		if row.UserID == userID {
			return row, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStores) MirrorStatusBySubscriptionID(_ context.Context, subscriptionID string, status types.SubscriptionStatus, periodEnd *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, row := range m.ProjectSubRows {
		if row.StripeSubscriptionID == subscriptionID {
			row.Status = status
			if periodEnd != nil {
				row.CurrentPeriodEnd = periodEnd
			}
			if status == types.SubscriptionStatusCanceled {
				row.CanceledAt = &now
			}
		}
	}
	for _, row := range m.UserSubRows {
		if row.StripeSubscriptionID == subscriptionID {
			row.Status = status
			if periodEnd != nil {
				row.CurrentPeriodEnd = periodEnd
			}
			if status == types.SubscriptionStatusCanceled {
				row.CanceledAt = &now
			}
		}
	}
	return nil
}

func (m *MemoryStores) ListChunksByUser(_ context.Context, userID string) ([]*models.RagChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RagChunk
	for _, row := range m.ChunkRows {
		if row.UserID == userID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *MemoryStores) SaveChunkEmbedding(_ context.Context, chunkID string, embedding []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.ChunkRows {
		if row.ID == chunkID {
			return row.SetEmbeddingVector(embedding)
		}
	}
	return ErrNotFound
}

func (m *MemoryStores) GetDocumentsByIDs(_ context.Context, ids []string) ([]*models.RagDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RagDocument
	for _, id := range ids {
		for _, row := range m.DocumentRows {
			if row.ID == id {
				out = append(out, row)
			}
		}
	}
	return out, nil
}

func (m *MemoryStores) Get(_ context.Context, userID, day string) (*models.RagUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getUsageLocked(userID, day)
}

func (m *MemoryStores) getUsageLocked(userID, day string) (*models.RagUsage, error) {
	for _, row := range m.UsageRows {
		if row.UserID == userID && row.UsageDate == day {
			return row, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStores) Reserve(_ context.Context, userID, day string, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.getUsageLocked(userID, day)
	if err != nil {
		u = &models.RagUsage{ID: tool.GenerateUUIDV7(), UserID: userID, UsageDate: day}
		m.UsageRows = append(m.UsageRows, u)
	}
	if u.QuestionsUsed >= limit {
		return u.QuestionsUsed, ErrQuotaExceeded
	}
	u.QuestionsUsed++
	return u.QuestionsUsed, nil
}

func (m *MemoryStores) Refund(_ context.Context, userID, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.getUsageLocked(userID, day)
	if err != nil {
		return nil
	}
	if u.QuestionsUsed > 0 {
		u.QuestionsUsed--
	}
	return nil
}

func (m *MemoryStores) createNotification(n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = tool.GenerateUUIDV7()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	m.NotificationRows = append(m.NotificationRows, n)
	return nil
}

func (m *MemoryStores) ExistsSince(_ context.Context, userID, eventType, entityID string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.NotificationRows {
		if row.UserID == userID && row.EventType == eventType && row.EntityID == entityID && !row.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStores) getAccountByID(id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.UserRows {
		if row.ID == id {
			return row, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStores) ListAdmins(_ context.Context) ([]*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.User
	for _, row := range m.UserRows {
		if row.Role == types.UserRoleAdmin {
			out = append(out, row)
		}
	}
	return out, nil
}

type memBookings struct{ *MemoryStores }

func (m memBookings) Create(_ context.Context, b *models.Booking) error { return m.createBooking(b) }
func (m memBookings) GetByID(_ context.Context, id string) (*models.Booking, error) {
	return m.getBookingByID(id)
}

type memProjects struct{ *MemoryStores }

func (m memProjects) Create(_ context.Context, p *models.Project) error { return m.createProject(p) }
func (m memProjects) GetByID(_ context.Context, id string) (*models.Project, error) {
	return m.getProjectByID(id)
}
func (m memProjects) GetByBookingID(_ context.Context, bookingID string) (*models.Project, error) {
	return m.getProjectByBookingID(bookingID)
}
func (m memProjects) UpdateClientNotes(_ context.Context, id, notes string) error {
	return m.updateProjectClientNotes(id, notes)
}

type memNotifications struct{ *MemoryStores }

func (m memNotifications) Create(_ context.Context, n *models.Notification) error {
	return m.createNotification(n)
}

type memUsers struct{ *MemoryStores }

func (m memUsers) GetByID(_ context.Context, id string) (*models.User, error) {
	return m.getAccountByID(id)
}
