package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"activity-mirror/internal/importer"
	"activity-mirror/internal/redis"
)

// EventProcessor drains webhook-delivered events through a worker pool.
// Webhooks for distinct objects are independent, so they can run in
// parallel; per-object serialization comes from the storage layer's
// advisory locks, not from here. Poll runs bypass the pool entirely and go
// through the Poller, which needs strict ordering.
type EventProcessor struct {
	log        *slog.Logger
	engine     *importer.Engine
	redis      *redis.Client
	eventQueue chan *importer.Event
	workerPool []*worker
	wg         sync.WaitGroup
	mu         sync.RWMutex
}

type worker struct {
	id       int
	stopChan chan bool
}

func NewEventProcessor(log *slog.Logger, engine *importer.Engine, redisClient *redis.Client) *EventProcessor {
	return &EventProcessor{
		log:        log,
		engine:     engine,
		redis:      redisClient,
		eventQueue: make(chan *importer.Event, 10000),
	}
}

// Enqueue hands one event to the pool. It never blocks the caller; a full
// queue drops the event into the DLQ instead, since a webhook retry from
// the remote side is cheaper than backpressure on the receiver.
func (ep *EventProcessor) Enqueue(ctx context.Context, ev *importer.Event) {
	select {
	case ep.eventQueue <- ev:
	default:
		ep.log.Warn("event_queue_full", "kind", ev.Kind)
		ep.sendToDLQ(ctx, ev, "queue full")
	}
}

func (ep *EventProcessor) StartWorkers(workerCount int) {
	if workerCount < 1 {
		workerCount = 5
	}
	if workerCount > 64 {
		workerCount = 64
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	for i := 0; i < workerCount; i++ {
		w := &worker{
			id:       i + 1,
			stopChan: make(chan bool, 1),
		}
		ep.workerPool = append(ep.workerPool, w)

		ep.wg.Add(1)
		go ep.runWorker(w)
	}

	ep.log.Info("event_workers_started", "count", workerCount)
}

func (ep *EventProcessor) runWorker(w *worker) {
	defer ep.wg.Done()

	for {
		select {
		case ev := <-ep.eventQueue:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			if err := ep.ProcessEvent(ctx, ev); err != nil {
				ep.log.Warn("event_processing_failed",
					"worker_id", w.id,
					"kind", ev.Kind,
					"action", ev.Action,
					"error", err,
				)
				ep.sendToDLQ(ctx, ev, err.Error())
			}
			cancel()
		case <-w.stopChan:
			ep.log.Info("worker_stopped", "worker_id", w.id)
			return
		}
	}
}

func (ep *EventProcessor) StopWorkers() {
	ep.mu.Lock()

	for _, w := range ep.workerPool {
		select {
		case w.stopChan <- true:
		default:
		}
	}

	ep.mu.Unlock()

	ep.wg.Wait()
	ep.log.Info("all_workers_stopped")
}

// ProcessEvent dedups and dispatches one event. Import is idempotent, so
// the dedup window is a throughput optimization, not a correctness
// requirement; a lost redis key only costs a redundant reconcile.
func (ep *EventProcessor) ProcessEvent(ctx context.Context, ev *importer.Event) error {
	if key := ep.buildDedupKey(ev); key != "" {
		exists, err := ep.redis.RDB().Exists(ctx, key).Result()
		if err == nil && exists > 0 {
			return nil // duplicate delivery, skip
		}
		_ = ep.redis.RDB().Set(ctx, key, "1", 60*time.Second).Err()
	}
	return ep.engine.Dispatch(ctx, ev)
}

func (ep *EventProcessor) buildDedupKey(ev *importer.Event) string {
	if ev.Server == nil || ev.TargetID == 0 {
		return "" // don't dedup without a stable identity
	}
	return fmt.Sprintf("event:dedup:%d:%s:%s:%d:%d",
		ev.Server.ID, ev.Kind, ev.Action, ev.TargetID, ev.CreatedAt.Unix())
}

func (ep *EventProcessor) sendToDLQ(ctx context.Context, ev *importer.Event, errorMsg string) {
	data, _ := json.Marshal(map[string]interface{}{
		"server_id":  serverID(ev),
		"kind":       ev.Kind,
		"action":     ev.Action,
		"target_id":  ev.TargetID,
		"payload":    ev.Payload,
		"error":      errorMsg,
		"timestamp":  time.Now(),
		"created_at": ev.CreatedAt,
	})
	ep.redis.RDB().LPush(ctx, "dlq:events", data)
	ep.redis.RDB().Expire(ctx, "dlq:events", 24*time.Hour)
}

func serverID(ev *importer.Event) int64 {
	if ev.Server == nil {
		return 0
	}
	return ev.Server.ID
}
