//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/tutordesk/internal/domain"
	notificationspostgres "github.com/bissquit/tutordesk/internal/notifications/postgres"
	"github.com/bissquit/tutordesk/internal/outbox"
	outboxpostgres "github.com/bissquit/tutordesk/internal/outbox/postgres"
	"github.com/bissquit/tutordesk/internal/testutil"
	"github.com/stretchr/testify/require"
)

// sentMessage is a sendMessage call received by the fake Bot API.
type sentMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// fakeBotAPI stands in for the Telegram Bot API.
type fakeBotAPI struct {
	server *httptest.Server

	mu         sync.Mutex
	messages   []sentMessage
	status     int
	retryAfter int
}

func newFakeBotAPI() *fakeBotAPI {
	f := &fakeBotAPI{status: http.StatusOK}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	return f
}

func (f *fakeBotAPI) URL() string { return f.server.URL }

func (f *fakeBotAPI) Close() { f.server.Close() }

func (f *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if f.status == http.StatusTooManyRequests {
		w.WriteHeader(f.status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"error_code":  f.status,
			"description": "Too Many Requests: retry after " + strconv.Itoa(f.retryAfter),
			"parameters":  map[string]int{"retry_after": f.retryAfter},
		})
		return
	}

	var msg sentMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request"}`))
		return
	}
	f.messages = append(f.messages, msg)
	_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
}

// RateLimit makes every call fail with 429 and the given retry_after.
func (f *fakeBotAPI) RateLimit(seconds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = http.StatusTooManyRequests
	f.retryAfter = seconds
}

func (f *fakeBotAPI) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = nil
	f.status = http.StatusOK
	f.retryAfter = 0
}

func (f *fakeBotAPI) Messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.messages...)
}

// resetState empties the database and the fake Bot API.
func resetState(t *testing.T) {
	t.Helper()
	testutil.Truncate(t, testDB)
	botAPI.Reset()
}

func createUser(t *testing.T, email string, role domain.Role, chatID *string) string {
	t.Helper()

	var id string
	err := testDB.QueryRow(context.Background(), `
		INSERT INTO users (email, role, telegram_chat_id)
		VALUES ($1, $2, $3)
		RETURNING id
	`, email, role, chatID).Scan(&id)
	require.NoError(t, err)
	return id
}

func createStudent(t *testing.T, tutorID, name string) string {
	t.Helper()

	var id string
	err := testDB.QueryRow(context.Background(), `
		INSERT INTO students (tutor_id, name) VALUES ($1, $2) RETURNING id
	`, tutorID, name).Scan(&id)
	require.NoError(t, err)
	return id
}

func createNotification(t *testing.T, n *domain.Notification) string {
	t.Helper()
	require.NoError(t, notificationspostgres.NewRepository(testDB).Create(context.Background(), n))
	return n.ID
}

func notificationStatus(t *testing.T, id string) domain.NotificationStatus {
	t.Helper()

	var status domain.NotificationStatus
	err := testDB.QueryRow(context.Background(), `SELECT status FROM notifications WHERE id = $1`, id).Scan(&status)
	require.NoError(t, err)
	return status
}

func outboxItem(t *testing.T, dedupeKey string) *outbox.Item {
	t.Helper()

	item, err := outboxpostgres.NewRepository(testDB).GetByDedupeKey(context.Background(), dedupeKey)
	require.NoError(t, err)
	return item
}

// runScheduler performs one scheduling pass for channel.
func runScheduler(t *testing.T, channel domain.NotificationChannel) int {
	t.Helper()

	for _, s := range testApp.Schedulers() {
		if s.Channel() == channel {
			n, err := s.Tick(context.Background())
			require.NoError(t, err)
			return n
		}
	}
	t.Fatalf("no scheduler for channel %s", channel)
	return 0
}

// runWorker performs one dispatch pass and returns the number of claimed items.
func runWorker() int {
	return testApp.Worker().Tick(context.Background())
}

func adminClient(t *testing.T) *testutil.Client {
	t.Helper()
	return clientWithRole(t, domain.RoleAdmin)
}

func clientWithRole(t *testing.T, role domain.Role) *testutil.Client {
	t.Helper()
	return clientFor(t, "00000000-0000-0000-0000-000000000001", role)
}

func clientFor(t *testing.T, userID string, role domain.Role) *testutil.Client {
	t.Helper()

	token, err := testAuth.Issue(userID, role, time.Hour)
	require.NoError(t, err)
	return testutil.NewClient(t, testServer.URL, testValidator).WithToken(token)
}

func getStats(t *testing.T) outbox.Stats {
	t.Helper()

	resp, err := adminClient(t).GET("/api/v1/admin/outbox/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data outbox.Stats `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &body)
	return body.Data
}

func dueNotification(userID string, studentID *string, typ domain.NotificationType, channel domain.NotificationChannel) *domain.Notification {
	return &domain.Notification{
		UserID:      userID,
		StudentID:   studentID,
		Type:        typ,
		Channel:     channel,
		ScheduledAt: time.Now().Add(-time.Minute),
	}
}
