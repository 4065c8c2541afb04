package notifications

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/tutordesk/internal/domain"
)

type memRepository struct {
	mu         sync.Mutex
	deliveries map[string]*Delivery
	getErr     error
}

func newMemRepository() *memRepository {
	return &memRepository{deliveries: make(map[string]*Delivery)}
}

func (m *memRepository) Create(_ context.Context, n *domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[n.ID] = &Delivery{Notification: *n}
	return nil
}

func (m *memRepository) add(d *Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deliveries[d.Notification.ID] = &cp
}

func (m *memRepository) get(id string) domain.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveries[id].Notification
}

func (m *memRepository) ListDue(_ context.Context, channel domain.NotificationChannel, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]domain.Notification, 0)
	for _, d := range m.deliveries {
		n := d.Notification
		if n.Status == domain.NotificationStatusPending && n.Channel == channel && !n.ScheduledAt.After(now) {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	ids := make([]string, 0, len(due))
	for _, n := range due {
		ids = append(ids, n.ID)
	}
	return ids, nil
}

func (m *memRepository) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getErr != nil {
		return nil, m.getErr
	}
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotificationNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memRepository) transition(id string, to domain.NotificationStatus, sentAt *time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok || d.Notification.Status != domain.NotificationStatusPending {
		return false
	}
	d.Notification.Status = to
	d.Notification.SentAt = sentAt
	return true
}

func (m *memRepository) MarkSent(_ context.Context, id string, sentAt time.Time) (bool, error) {
	return m.transition(id, domain.NotificationStatusSent, &sentAt), nil
}

func (m *memRepository) MarkFailed(_ context.Context, id string) (bool, error) {
	return m.transition(id, domain.NotificationStatusFailed, nil), nil
}

type fakeSender struct {
	channel domain.NotificationChannel
	enabled bool
	err     error

	mu   sync.Mutex
	sent []Message
}

func (s *fakeSender) Channel() domain.NotificationChannel { return s.channel }
func (s *fakeSender) Enabled() bool                       { return s.enabled }

func (s *fakeSender) Send(_ context.Context, msg Message) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func strPtr(s string) *string { return &s }
