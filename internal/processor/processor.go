package processor

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"activity-relay/internal/models"
	"activity-relay/internal/redis"
)

type eventStore interface {
	ListUnprocessed(ctx context.Context, limit int) ([]models.InboundEvent, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

type activityStore interface {
	Insert(ctx context.Context, act models.Activity) (bool, error)
	MarkForwarded(ctx context.Context, activityID string, annotation *string) error
	ListUnforwarded(ctx context.Context, limit int) ([]models.Activity, error)
}

type userResolver interface {
	ResolveUser(ctx context.Context, platformUserID string) (string, error)
}

type worker struct {
	id       int
	queue    chan models.InboundEvent
	stopChan chan struct{}
}

// Processor translates inbound events into activities and forwards them.
// Each worker owns its queue and events are dispatched by channel id hash,
// so one channel's events are handled in receipt order while channels never
// block each other.
type Processor struct {
	log        *slog.Logger
	events     eventStore
	activities activityStore
	redis      *redis.Client // optional: user_ref cache and DLQ
	resolver   userResolver  // optional: context-lookup API
	forwarder  *Forwarder

	workers []*worker
	wg      sync.WaitGroup
	mu      sync.Mutex
}

func New(log *slog.Logger, events eventStore, activities activityStore, redisClient *redis.Client, resolver userResolver, forwarder *Forwarder) *Processor {
	return &Processor{
		log:        log,
		events:     events,
		activities: activities,
		redis:      redisClient,
		resolver:   resolver,
		forwarder:  forwarder,
	}
}

func (p *Processor) StartWorkers(workerCount int) {
	if workerCount < 1 {
		workerCount = 8
	}
	if workerCount > 64 {
		workerCount = 64
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < workerCount; i++ {
		w := &worker{
			id:       i + 1,
			queue:    make(chan models.InboundEvent, 4096),
			stopChan: make(chan struct{}),
		}
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go p.runWorker(w)
	}

	p.log.Info("event_workers_started", "count", workerCount)
}

func (p *Processor) StopWorkers() {
	p.mu.Lock()
	for _, w := range p.workers {
		close(w.stopChan)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("all_workers_stopped")
}

// Dispatch routes the event to the worker owning its channel. A full queue
// drops the dispatch; the event row stays unprocessed and the recovery
// sweep will pick it up, so nothing is lost.
func (p *Processor) Dispatch(ev models.InboundEvent) bool {
	p.mu.Lock()
	n := len(p.workers)
	if n == 0 {
		p.mu.Unlock()
		return false
	}
	w := p.workers[p.workerIndex(ev.ChannelID, n)]
	p.mu.Unlock()

	select {
	case w.queue <- ev:
		return true
	default:
		p.log.Warn("worker_queue_full", "worker_id", w.id, "channel_id", ev.ChannelID, "event_id", ev.EventID)
		return false
	}
}

func (p *Processor) workerIndex(channelID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(channelID))
	return int(h.Sum32() % uint32(n))
}

func (p *Processor) runWorker(w *worker) {
	defer p.wg.Done()

	for {
		select {
		case ev := <-w.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			if err := p.ProcessEvent(ctx, ev); err != nil {
				p.log.Warn("event_processing_failed",
					"worker_id", w.id,
					"event_id", ev.EventID,
					"event_type", ev.EventType,
					"channel_id", ev.ChannelID,
					"error", err,
				)
				p.sendToDLQ(ctx, ev, err.Error())
			}
			cancel()
		case <-w.stopChan:
			p.log.Info("worker_stopped", "worker_id", w.id)
			return
		}
	}
}

// ProcessEvent translates one event, durably creates its activity, marks
// the source processed and then attempts forwarding. The processed flag is
// flipped only after the activity insert, so a crash in between is
// recoverable by reprocessing; the source_event_id uniqueness keeps the
// reprocess from creating a second activity.
func (p *Processor) ProcessEvent(ctx context.Context, ev models.InboundEvent) error {
	act, platformUserID := Translate(ev)
	act.UserRef = p.resolveUserRef(ctx, platformUserID, act.UserRef)

	inserted, err := p.activities.Insert(ctx, act)
	if err != nil {
		return err
	}
	if !inserted {
		// already translated by an earlier pass; just close out the event
		p.log.Debug("activity_already_exists", "event_id", ev.EventID)
		return p.events.MarkProcessed(ctx, ev.EventID)
	}

	if err := p.events.MarkProcessed(ctx, ev.EventID); err != nil {
		return err
	}

	p.log.Info("activity_derived",
		"activity_id", act.ID,
		"event_id", ev.EventID,
		"event_type", act.EventType,
		"channel_id", act.ChannelID,
		"points", act.Points,
	)

	// one inline attempt only; the retry sweep owns whatever is left
	// unforwarded, so a flapping downstream never stalls this worker
	if p.forwarder != nil {
		p.forwarder.ForwardOnce(ctx, act)
	}
	return nil
}

// resolveUserRef maps a platform user to an internal identity through the
// context API, with a redis cache in front. Lookup failures fall back to
// the platform-scoped ref so translation never blocks on the context API.
func (p *Processor) resolveUserRef(ctx context.Context, platformUserID, fallback string) string {
	if p.resolver == nil || platformUserID == "" || platformUserID == "unknown" {
		return fallback
	}

	cacheKey := "userref:" + platformUserID
	if p.redis != nil {
		if cached, err := p.redis.Get(ctx, cacheKey); err == nil && cached != "" {
			return cached
		}
	}

	ref, err := p.resolver.ResolveUser(ctx, platformUserID)
	if err != nil {
		p.log.Debug("context_lookup_failed", "platform_user_id", platformUserID, "error", err)
		return fallback
	}

	if p.redis != nil {
		_ = p.redis.Set(ctx, cacheKey, ref, time.Hour)
	}
	return ref
}

func (p *Processor) sendToDLQ(ctx context.Context, ev models.InboundEvent, errorMsg string) {
	if p.redis == nil {
		return
	}
	data, _ := json.Marshal(map[string]interface{}{
		"event":     ev,
		"error":     errorMsg,
		"timestamp": time.Now(),
	})
	p.redis.RDB().LPush(ctx, "dlq:events", data)
	p.redis.RDB().Expire(ctx, "dlq:events", 24*time.Hour)
}
