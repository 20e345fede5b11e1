package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"activity-relay/internal/config"
	"activity-relay/internal/models"
	"activity-relay/internal/relayerr"
	"activity-relay/internal/security"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "webhook-signing-secret"

type fakeChannels struct {
	mu        sync.Mutex
	secrets   map[string]string
	statuses  map[string]models.SubscriptionStatus
	byAccount map[string][]models.MonitoredChannel
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{
		secrets:   map[string]string{"sub-1": testSecret},
		statuses:  make(map[string]models.SubscriptionStatus),
		byAccount: make(map[string][]models.MonitoredChannel),
	}
}

func (f *fakeChannels) GetSubscriptionSecret(ctx context.Context, subscriptionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[subscriptionID]
	if !ok {
		return "", fmt.Errorf("subscription %s not found", subscriptionID)
	}
	return s, nil
}

func (f *fakeChannels) SetSubscriptionStatus(ctx context.Context, subscriptionID string, status models.SubscriptionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[subscriptionID] = status
	return nil
}

func (f *fakeChannels) ListChannels(ctx context.Context) ([]models.MonitoredChannel, error) {
	return nil, nil
}

func (f *fakeChannels) ListChannelsByAccount(ctx context.Context, accountID string) ([]models.MonitoredChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byAccount[accountID], nil
}

func (f *fakeChannels) ListSubscriptions(ctx context.Context, channelID string) ([]models.Subscription, error) {
	return nil, nil
}

type fakeEvents struct {
	mu       sync.Mutex
	inserted map[string]models.InboundEvent
	attempts int
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{inserted: make(map[string]models.InboundEvent)}
}

func (f *fakeEvents) InsertDedup(ctx context.Context, ev models.InboundEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if _, ok := f.inserted[ev.EventID]; ok {
		return false, nil
	}
	f.inserted[ev.EventID] = ev
	return true, nil
}

func (f *fakeEvents) List(ctx context.Context, channelID string, limit int) ([]models.InboundEvent, error) {
	return nil, nil
}

type fakeActivities struct{}

func (fakeActivities) List(ctx context.Context, channelID string, forwarded *bool, limit int) ([]models.Activity, error) {
	return nil, nil
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []models.InboundEvent
}

func (f *fakeDispatcher) Dispatch(ev models.InboundEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ev)
	return true
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testServer(t *testing.T) (*Server, *fakeChannels, *fakeEvents, *fakeDispatcher) {
	t.Helper()

	cfg := config.Config{
		WebhookTolerance: 10 * time.Minute,
		CORSOrigins:      []string{"http://localhost:3000"},
	}
	channels := newFakeChannels()
	events := newFakeEvents()
	dispatch := &fakeDispatcher{}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(log, cfg, nil, nil, nil, nil, channels, events, fakeActivities{}, dispatch)
	return srv, channels, events, dispatch
}

func notificationBody(t *testing.T, eventType, channelID string, event string) []byte {
	t.Helper()
	env := models.NotificationEnvelope{
		Subscription: models.EventSubSubscription{
			ID:        "sub-1",
			Type:      eventType,
			Status:    "enabled",
			Condition: models.EventSubCondition{BroadcasterUserID: channelID},
		},
		Event: json.RawMessage(event),
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func signedRequest(body []byte, msgID, msgType, timestamp string) *http.Request {
	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
	req.Header.Set("Twitch-Eventsub-Message-Id", msgID)
	req.Header.Set("Twitch-Eventsub-Message-Timestamp", timestamp)
	req.Header.Set("Twitch-Eventsub-Message-Type", msgType)
	req.Header.Set("Twitch-Eventsub-Message-Signature",
		security.ComputeSignature(testSecret, msgID, timestamp, body))
	return req
}

func TestWebhook_AcceptsValidNotification(t *testing.T) {
	srv, _, events, dispatch := testServer(t)

	body := notificationBody(t, "channel.follow", "chan-1", `{"user_id":"42"}`)
	req := signedRequest(body, "msg-1", "notification", time.Now().UTC().Format(time.RFC3339Nano))

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := events.inserted["msg-1"]; !ok {
		t.Error("expected the event to be persisted")
	}
	if dispatch.count() != 1 {
		t.Errorf("expected 1 dispatch, got %d", dispatch.count())
	}
}

func TestWebhook_DuplicateAcknowledgedOnce(t *testing.T) {
	srv, _, events, dispatch := testServer(t)

	body := notificationBody(t, "channel.cheer", "chan-1", `{"user_id":"1","bits":100}`)
	ts := time.Now().UTC().Format(time.RFC3339Nano)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, signedRequest(body, "msg-dup", "notification", ts))
		if w.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i+1, w.Code)
		}
	}

	if len(events.inserted) != 1 {
		t.Errorf("expected one stored event, got %d", len(events.inserted))
	}
	if dispatch.count() != 1 {
		t.Errorf("expected the duplicate to not be dispatched, got %d dispatches", dispatch.count())
	}
}

func TestWebhook_StaleTimestampRejected(t *testing.T) {
	srv, _, events, _ := testServer(t)

	body := notificationBody(t, "channel.follow", "chan-1", `{"user_id":"42"}`)
	stale := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, signedRequest(body, "msg-old", "notification", stale))

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if events.attempts != 0 {
		t.Error("expected no persistence attempt for a stale delivery")
	}
	if code := errorCode(t, w.Body.Bytes()); code != relayerr.Code(relayerr.ErrStaleRequest) {
		t.Errorf("expected the stale_request error code, got %q", code)
	}
}

// errorCode pulls the machine-readable code out of an error response body.
func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error.Code
}

func TestWebhook_BadSignatureRejected(t *testing.T) {
	srv, _, events, _ := testServer(t)

	body := notificationBody(t, "channel.follow", "chan-1", `{"user_id":"42"}`)
	req := signedRequest(body, "msg-bad", "notification", time.Now().UTC().Format(time.RFC3339Nano))
	req.Header.Set("Twitch-Eventsub-Message-Signature", "sha256=00000000000000000000000000000000")

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if events.attempts != 0 {
		t.Error("expected no persistence attempt for a rejected signature")
	}
	if code := errorCode(t, w.Body.Bytes()); code != relayerr.Code(relayerr.ErrSignatureInvalid) {
		t.Errorf("expected the signature_invalid error code, got %q", code)
	}
}

func TestWebhook_UnknownSubscriptionRejected(t *testing.T) {
	srv, _, _, _ := testServer(t)

	env := models.NotificationEnvelope{
		Subscription: models.EventSubSubscription{ID: "sub-unknown", Type: "channel.follow"},
	}
	body, _ := json.Marshal(env)
	req := signedRequest(body, "msg-x", "notification", time.Now().UTC().Format(time.RFC3339Nano))

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown subscription, got %d", w.Code)
	}
}

func TestWebhook_ChallengeEchoedRaw(t *testing.T) {
	srv, channels, events, _ := testServer(t)

	env := models.NotificationEnvelope{
		Challenge: "pogchamp-challenge-token",
		Subscription: models.EventSubSubscription{
			ID:     "sub-1",
			Type:   "channel.follow",
			Status: "webhook_callback_verification_pending",
		},
	}
	body, _ := json.Marshal(env)
	req := signedRequest(body, "msg-verify", "webhook_callback_verification", time.Now().UTC().Format(time.RFC3339Nano))

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "pogchamp-challenge-token" {
		t.Errorf("expected the raw challenge back, got %q", w.Body.String())
	}
	if channels.statuses["sub-1"] != models.SubscriptionActive {
		t.Error("expected subscription marked active after the handshake")
	}
	if events.attempts != 0 {
		t.Error("expected the challenge to bypass the event pipeline")
	}
}

func TestWebhook_MissingHeadersRejected(t *testing.T) {
	srv, _, _, _ := testServer(t)

	body := notificationBody(t, "channel.follow", "chan-1", `{}`)
	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}
