package telegram

import (
	"context"
	"sync"
	"time"

	"github.com/bissquit/tutordesk/internal/domain"
	"github.com/bissquit/tutordesk/internal/notifications"
)

type memRepository struct {
	mu     sync.Mutex
	tokens map[string]*LinkToken
	users  map[string]*domain.User
	err    error
}

func newMemRepository() *memRepository {
	return &memRepository{
		tokens: make(map[string]*LinkToken),
		users:  make(map[string]*domain.User),
	}
}

func (m *memRepository) GetLinkToken(_ context.Context, token string) (*LinkToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	t, ok := m.tokens[token]
	if !ok {
		return nil, ErrLinkTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memRepository) ConsumeLinkToken(_ context.Context, token, chatID string, telegramUserID *string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[token]
	if !ok || t.UsedAt != nil {
		return ErrLinkTokenNotFound
	}
	u, ok := m.users[t.UserID]
	if !ok {
		return ErrUserNotFound
	}
	t.UsedAt = &usedAt
	u.TelegramChatID = &chatID
	u.TelegramUserID = telegramUserID
	return nil
}

func (m *memRepository) FindUserByChatID(_ context.Context, chatID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	for _, u := range m.users {
		if u.TelegramChatID != nil && *u.TelegramChatID == chatID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *memRepository) UnbindChat(_ context.Context, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	for _, u := range m.users {
		if u.TelegramChatID != nil && *u.TelegramChatID == chatID {
			u.TelegramChatID = nil
			u.TelegramUserID = nil
		}
	}
	return nil
}

func (m *memRepository) CreateLinkToken(_ context.Context, t *LinkToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	if _, ok := m.users[t.UserID]; !ok {
		return ErrUserNotFound
	}
	cp := *t
	m.tokens[t.Token] = &cp
	return nil
}

func (m *memRepository) GetUser(_ context.Context, userID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memRepository) UnbindUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.TelegramChatID = nil
	u.TelegramUserID = nil
	return nil
}

type recordingSender struct {
	mu   sync.Mutex
	err  error
	sent []notifications.Message
}

func (s *recordingSender) Send(_ context.Context, msg notifications.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return s.err
}

func (s *recordingSender) replies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Body)
	}
	return out
}
