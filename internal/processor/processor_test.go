package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"activity-relay/internal/downstream"
	"activity-relay/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEventStore struct {
	mu        sync.Mutex
	processed map[string]bool
	pending   []models.InboundEvent
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{processed: make(map[string]bool)}
}

func (f *fakeEventStore) ListUnprocessed(ctx context.Context, limit int) ([]models.InboundEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.InboundEvent(nil), f.pending...), nil
}

func (f *fakeEventStore) MarkProcessed(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[eventID] = true
	return nil
}

type fakeActivityStore struct {
	mu        sync.Mutex
	inserted  map[string]models.Activity // keyed by source_event_id
	forwarded map[string]*string
}

func newFakeActivityStore() *fakeActivityStore {
	return &fakeActivityStore{
		inserted:  make(map[string]models.Activity),
		forwarded: make(map[string]*string),
	}
}

func (f *fakeActivityStore) Insert(ctx context.Context, act models.Activity) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.inserted[act.SourceEventID]; ok {
		return false, nil
	}
	f.inserted[act.SourceEventID] = act
	return true, nil
}

func (f *fakeActivityStore) MarkForwarded(ctx context.Context, activityID string, annotation *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded[activityID] = annotation
	return nil
}

func (f *fakeActivityStore) ListUnforwarded(ctx context.Context, limit int) ([]models.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Activity
	for _, act := range f.inserted {
		if _, ok := f.forwarded[act.ID]; !ok {
			out = append(out, act)
		}
	}
	return out, nil
}

type fakeReputation struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeReputation) SubmitActivity(ctx context.Context, act models.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeReputation) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestProcessEvent_DerivesAndForwards(t *testing.T) {
	events := newFakeEventStore()
	acts := newFakeActivityStore()
	rep := &fakeReputation{}
	fwd := NewForwarder(testLogger(), acts, rep, 1)

	p := New(testLogger(), events, acts, nil, nil, fwd)

	ev := models.InboundEvent{
		EventID:    "ev-1",
		ChannelID:  "chan-1",
		EventType:  "channel.subscribe",
		RawPayload: json.RawMessage(`{"user_id":"42"}`),
	}

	if err := p.ProcessEvent(context.Background(), ev); err != nil {
		t.Fatalf("process: %v", err)
	}

	act, ok := acts.inserted["ev-1"]
	if !ok {
		t.Fatal("expected an activity for ev-1")
	}
	if act.Points != 50 {
		t.Errorf("expected 50 points, got %d", act.Points)
	}
	if !events.processed["ev-1"] {
		t.Error("expected source event marked processed")
	}
	if rep.callCount() != 1 {
		t.Errorf("expected 1 forward call, got %d", rep.callCount())
	}
	if ann, ok := acts.forwarded[act.ID]; !ok || ann != nil {
		t.Error("expected activity marked forwarded without annotation")
	}
}

func TestProcessEvent_ReprocessIsIdempotent(t *testing.T) {
	events := newFakeEventStore()
	acts := newFakeActivityStore()
	rep := &fakeReputation{}
	fwd := NewForwarder(testLogger(), acts, rep, 1)

	p := New(testLogger(), events, acts, nil, nil, fwd)

	ev := models.InboundEvent{
		EventID:    "ev-dup",
		ChannelID:  "chan-1",
		EventType:  "channel.follow",
		RawPayload: json.RawMessage(`{"user_id":"1"}`),
	}

	if err := p.ProcessEvent(context.Background(), ev); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if err := p.ProcessEvent(context.Background(), ev); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	if len(acts.inserted) != 1 {
		t.Errorf("expected exactly one activity, got %d", len(acts.inserted))
	}
	if rep.callCount() != 1 {
		t.Errorf("expected forwarding once, got %d calls", rep.callCount())
	}
}

func TestWorkerIndex_StablePerChannel(t *testing.T) {
	p := New(testLogger(), newFakeEventStore(), newFakeActivityStore(), nil, nil, nil)

	const n = 8
	first := p.workerIndex("chan-abc", n)
	for i := 0; i < 50; i++ {
		if got := p.workerIndex("chan-abc", n); got != first {
			t.Fatalf("expected stable worker index, got %d then %d", first, got)
		}
	}
	if first < 0 || first >= n {
		t.Errorf("worker index %d out of range", first)
	}
}

func TestForward_PermanentRejectionIsTerminal(t *testing.T) {
	acts := newFakeActivityStore()
	rep := &fakeReputation{err: &downstream.PermanentError{Status: 422, Body: "bad payload"}}
	fwd := NewForwarder(testLogger(), acts, rep, 3)

	act := models.Activity{ID: "act-1", SourceEventID: "ev-1", Points: 10}
	if !fwd.Forward(context.Background(), act) {
		t.Error("expected permanent rejection to count as terminal")
	}

	ann, ok := acts.forwarded["act-1"]
	if !ok || ann == nil {
		t.Fatal("expected forwarded with an annotation")
	}
	if rep.callCount() != 1 {
		t.Errorf("expected no retries after permanent rejection, got %d calls", rep.callCount())
	}
}

func TestForwardOnce_NeverRetriesInline(t *testing.T) {
	acts := newFakeActivityStore()
	rep := &fakeReputation{err: errors.New("connection refused")}
	// a generous attempt budget belongs to the sweep, not the worker path
	fwd := NewForwarder(testLogger(), acts, rep, 5)

	act := models.Activity{ID: "act-3", SourceEventID: "ev-3", Points: 10}
	start := time.Now()
	if fwd.ForwardOnce(context.Background(), act) {
		t.Error("expected the single attempt to be non-terminal")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("expected no backoff sleeps inline, took %s", elapsed)
	}
	if rep.callCount() != 1 {
		t.Errorf("expected exactly one attempt, got %d", rep.callCount())
	}
	if _, ok := acts.forwarded["act-3"]; ok {
		t.Error("expected the activity left for the retry sweep")
	}
}

func TestForward_TransientFailureLeavesUnforwarded(t *testing.T) {
	acts := newFakeActivityStore()
	rep := &fakeReputation{err: errors.New("connection refused")}
	fwd := NewForwarder(testLogger(), acts, rep, 1)

	act := models.Activity{ID: "act-2", SourceEventID: "ev-2", Points: 10}
	if fwd.Forward(context.Background(), act) {
		t.Error("expected transient exhaustion to be non-terminal")
	}

	if _, ok := acts.forwarded["act-2"]; ok {
		t.Error("expected the activity to stay unforwarded for the retry sweep")
	}
}
