package persist

import (
	"context"
	"sync"
	"time"

	"lot_bot/internal/models"
	"lot_bot/internal/obs"
	"lot_bot/internal/store"
	"lot_bot/pkg/logger"

	"github.com/bytedance/sonic"
)

type TaskKind string

const (
	TaskFill   TaskKind = "fill"
	TaskCancel TaskKind = "cancel"
	TaskExit   TaskKind = "exit"
	TaskRisk   TaskKind = "risk"
	TaskGroup  TaskKind = "group"
)

// Task is one idempotent mirror write, keyed by (id, kind): delivering the
// same task twice is a no-op at the store thanks to upsert semantics plus the
// worker's last-payload dedup.
type Task struct {
	Kind     TaskKind
	Position *models.Position
	Group    *models.StrategyGroup
	Risk     *models.RiskState
}

func (t Task) key() string {
	switch {
	case t.Position != nil:
		return string(t.Kind) + "|" + t.Position.PositionID
	case t.Risk != nil:
		return string(t.Kind) + "|" + t.Risk.PositionID
	case t.Group != nil:
		return string(t.Kind) + "|" + t.Group.GroupID
	}
	return string(t.Kind)
}

func (t Task) lowPriority() bool { return t.Kind == TaskRisk }

type Config struct {
	QueueSize    int
	RetryBackoff time.Duration
	MaxAttempts  int
}

// Mirror is the durable side of the worker; *Stores is the pgx
// implementation.
type Mirror interface {
	UpsertGroup(ctx context.Context, g *models.StrategyGroup) error
	UpsertPosition(ctx context.Context, p *models.Position) error
	UpsertRiskState(ctx context.Context, st *models.RiskState) error
	InsertExitEvent(ctx context.Context, p *models.Position) error
	OpenPositionsForGroup(ctx context.Context, groupID string) ([]*models.Position, error)
}

// Worker is the single consumer mirroring memory state into the durable
// store. The hot path only ever enqueues; all blocking I/O happens here.
// On queue-full only periodic risk snapshots are dropped; fill/cancel/exit
// tasks spill to an overflow list the worker drains first.
type Worker struct {
	tasks  chan Task
	stores Mirror
	mem    *store.Store
	cfg    Config

	mu          sync.Mutex
	overflow    []Task
	lastPayload map[string]string
}

func NewWorker(stores Mirror, mem *store.Store, cfg Config) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Worker{
		tasks:       make(chan Task, cfg.QueueSize),
		stores:      stores,
		mem:         mem,
		cfg:         cfg,
		lastPayload: make(map[string]string),
	}
}

// Enqueue never blocks the caller.
func (w *Worker) Enqueue(t Task) {
	select {
	case w.tasks <- t:
		obs.PersistQueueDepth.Set(float64(len(w.tasks)))
	default:
		if t.lowPriority() {
			obs.PersistDropped.Inc()
			return
		}
		w.mu.Lock()
		w.overflow = append(w.overflow, t)
		w.mu.Unlock()
	}
}

func (w *Worker) EnqueueFill(p *models.Position)   { w.Enqueue(Task{Kind: TaskFill, Position: p}) }
func (w *Worker) EnqueueCancel(p *models.Position) { w.Enqueue(Task{Kind: TaskCancel, Position: p}) }
func (w *Worker) EnqueueExit(p *models.Position)   { w.Enqueue(Task{Kind: TaskExit, Position: p}) }
func (w *Worker) EnqueueGroup(g *models.StrategyGroup) {
	w.Enqueue(Task{Kind: TaskGroup, Group: g})
}

// EnqueueRiskSnapshot implements the risk engine's snapshot sink.
func (w *Worker) EnqueueRiskSnapshot(st *models.RiskState) {
	w.Enqueue(Task{Kind: TaskRisk, Risk: st})
}

// Run drains the queue until the context ends.
func (w *Worker) Run(ctx context.Context) {
	for {
		if t, ok := w.popOverflow(); ok {
			w.process(ctx, t)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case t := <-w.tasks:
			obs.PersistQueueDepth.Set(float64(len(w.tasks)))
			w.process(ctx, t)
		}
	}
}

func (w *Worker) popOverflow() (Task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.overflow) == 0 {
		return Task{}, false
	}
	t := w.overflow[0]
	w.overflow = w.overflow[1:]
	return t, true
}

func (w *Worker) process(ctx context.Context, t Task) {
	payload, _ := sonic.MarshalString(t)
	key := t.key()

	w.mu.Lock()
	if w.lastPayload[key] == payload {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	var err error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if err = w.write(ctx, t); err == nil {
			break
		}
		logger.Error("persist %s attempt %d/%d: %v", key, attempt, w.cfg.MaxAttempts, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}
	if err != nil {
		// give up on this payload; the next mutation enqueues a fresh task
		return
	}

	w.mu.Lock()
	w.lastPayload[key] = payload
	w.mu.Unlock()
}

func (w *Worker) write(ctx context.Context, t Task) error {
	switch t.Kind {
	case TaskFill, TaskCancel:
		return w.stores.UpsertPosition(ctx, t.Position)
	case TaskExit:
		if err := w.stores.UpsertPosition(ctx, t.Position); err != nil {
			return err
		}
		return w.stores.InsertExitEvent(ctx, t.Position)
	case TaskRisk:
		return w.stores.UpsertRiskState(ctx, t.Risk)
	case TaskGroup:
		return w.stores.UpsertGroup(ctx, t.Group)
	}
	return nil
}

// RefreshGroup merges durable-store rows for a group back into memory.
// Positions memory has already closed are skipped, never resurrected.
func (w *Worker) RefreshGroup(ctx context.Context, groupID string) error {
	rows, err := w.stores.OpenPositionsForGroup(ctx, groupID)
	if err != nil {
		return err
	}
	for _, p := range rows {
		if w.mem.IsClosed(p.PositionID) {
			continue
		}
		w.mem.MergePosition(p)
	}
	return nil
}
