// Package taskpool is the single source of truth for work pending
// dispatch: a bounded map of tasks plus a FIFO ready list, with atomic
// reserve/commit/release transitions and a low-watermark refill hook.
//
// Storage follows the teacher's jobmanager hybrid design: one map keyed by
// ID as the single source of truth, plus secondary indexes (a ready queue,
// a reserved set, an in-flight set) for O(1) operations, all guarded by one
// mutex protecting cross-index invariants together.
package taskpool

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/task-messenger/internal/metrics"
	"github.com/ChuLiYu/task-messenger/pkg/types"
)

// Generator is invoked at most once per low-water epoch when ready drops
// below low_watermark; it is expected to call Submit up to refill_batch.
type Generator interface {
	OnLowWater(ctx context.Context, shortfall int) error
}

// Config bounds the pool's capacity and refill behavior, matching §6.2's
// pool_hard_capacity / pool_low_watermark / pool_refill_batch keys.
type Config struct {
	HardCapacity int
	LowWatermark int
	RefillBatch  int
}

// Pool is the bounded task store.
type Pool struct {
	mu sync.Mutex

	cfg Config

	tasks    map[types.TaskID]*types.Task
	ready    []types.TaskID // FIFO: reserve takes index 0, release prepends
	reserved map[types.TaskID]struct{}
	inFlight map[types.TaskID]struct{}

	totalSubmitted int
	totalCompleted int
	totalFailed    int
	nextID         types.TaskID

	generator   Generator
	lowWaterFired bool

	collector *metrics.Collector
}

// New builds an empty Pool per cfg.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:      cfg,
		tasks:    make(map[types.TaskID]*types.Task),
		reserved: make(map[types.TaskID]struct{}),
		inFlight: make(map[types.TaskID]struct{}),
	}
}

// SetGenerator registers the low-water refill hook (§4.8's Task Generator).
func (p *Pool) SetGenerator(g Generator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generator = g
}

// SetCollector attaches a metrics.Collector that Submit reports to. A nil
// collector (the default) disables reporting.
func (p *Pool) SetCollector(c *metrics.Collector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.collector = c
}

// Submit adds a new Ready task, assigning it the next unique TaskID.
// Returns PoolFull if the pool is at hard capacity.
func (p *Pool) Submit(ctx context.Context, skillID types.SkillID, payload []byte) (types.TaskID, error) {
	p.mu.Lock()
	if len(p.tasks) >= p.cfg.HardCapacity {
		p.mu.Unlock()
		return 0, types.PoolError("pool at hard capacity", types.ErrPoolFull)
	}

	p.nextID++
	id := p.nextID
	now := time.Now()
	p.tasks[id] = &types.Task{
		ID:        id,
		SkillID:   skillID,
		Payload:   payload,
		State:     types.TaskReady,
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.ready = append(p.ready, id)
	p.totalSubmitted++
	readyLen := len(p.ready)
	collector := p.collector
	p.mu.Unlock()

	collector.RecordSubmit()
	p.maybeResetEpoch(readyLen)
	return id, nil
}

// Reserve atomically moves up to n Ready tasks to Reserved, returning
// whichever tasks (possibly zero, possibly fewer than n) were available.
// Never fails; an empty result means the pool is drained of ready work.
func (p *Pool) Reserve(ctx context.Context, n int, sessionID string) ([]*types.Task, error) {
	p.mu.Lock()
	take := n
	if take > len(p.ready) {
		take = len(p.ready)
	}
	out := make([]*types.Task, 0, take)
	if take > 0 {
		ids := p.ready[:take]
		p.ready = p.ready[take:]
		now := time.Now()
		for _, id := range ids {
			t := p.tasks[id]
			t.State = types.TaskReserved
			t.SessionID = sessionID
			t.UpdatedAt = now
			p.reserved[id] = struct{}{}
			out = append(out, t)
		}
	}
	readyLen := len(p.ready)
	p.mu.Unlock()

	if readyLen < p.cfg.LowWatermark {
		p.triggerLowWater(ctx, readyLen)
	} else {
		p.mu.Lock()
		p.lowWaterFired = false
		p.mu.Unlock()
	}
	return out, nil
}

// MarkInFlight transitions a Reserved task (already handed to a session) to
// InFlight, recording the session's dispatch. Mirrors the teacher's
// PopPending+MarkInFlight split, folded into Reserve/MarkInFlight here
// since reservation and dispatch happen back-to-back in this design.
func (p *Pool) MarkInFlight(taskID types.TaskID, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tasks[taskID]
	if !ok {
		return types.PoolError("unknown task", types.ErrPoolUnknownTask)
	}
	if t.State != types.TaskReserved || t.SessionID != sessionID {
		return types.PoolError("task not owned by caller", types.ErrNotOwned)
	}
	delete(p.reserved, taskID)
	p.inFlight[taskID] = struct{}{}
	t.State = types.TaskInFlight
	t.UpdatedAt = time.Now()
	return nil
}

// Commit transitions a Reserved/InFlight task to a terminal state
// (Completed or Failed) and removes it from the pool's active indexes.
func (p *Pool) Commit(taskID types.TaskID, sessionID string, success bool, result []byte, failureErr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tasks[taskID]
	if !ok {
		return types.PoolError("unknown task", types.ErrPoolUnknownTask)
	}
	if t.State != types.TaskReserved && t.State != types.TaskInFlight {
		return types.PoolError("task not reserved", types.ErrNotReserved)
	}
	if t.SessionID != sessionID {
		return types.PoolError("task not owned by caller", types.ErrNotOwned)
	}

	delete(p.reserved, taskID)
	delete(p.inFlight, taskID)
	t.UpdatedAt = time.Now()
	if success {
		t.State = types.TaskCompleted
		t.Result = result
		p.totalCompleted++
	} else {
		t.State = types.TaskFailed
		t.FailureErr = failureErr
		p.totalFailed++
	}
	// Terminal tasks leave the active map entirely; callers that need the
	// result/failure read it from the Task value Commit could optionally
	// return, but the pool itself need not retain it.
	delete(p.tasks, taskID)
	return nil
}

// Release moves a Reserved/InFlight task back to Ready, prepending it to
// the ready list so retried work is served before newer submissions
// (§4.4's fairness rule). Used on session failure.
func (p *Pool) Release(taskID types.TaskID, sessionID string, maxReleaseRetries *int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tasks[taskID]
	if !ok {
		return types.PoolError("unknown task", types.ErrPoolUnknownTask)
	}
	if t.State != types.TaskReserved && t.State != types.TaskInFlight {
		return types.PoolError("task not reserved", types.ErrNotReserved)
	}
	if t.SessionID != sessionID {
		return types.PoolError("task not owned by caller", types.ErrNotOwned)
	}

	delete(p.reserved, taskID)
	delete(p.inFlight, taskID)
	t.SessionID = ""
	t.ReleaseCount++
	t.UpdatedAt = time.Now()

	if maxReleaseRetries != nil && t.ReleaseCount > *maxReleaseRetries {
		t.State = types.TaskFailed
		t.FailureErr = "exhausted max_release_retries"
		p.totalFailed++
		delete(p.tasks, taskID)
		return nil
	}

	t.State = types.TaskReady
	p.ready = append([]types.TaskID{taskID}, p.ready...)
	return nil
}

// Stats returns a point-in-time snapshot satisfying invariants I5/I6.
func (p *Pool) Stats() types.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return types.PoolStats{
		Ready:     len(p.ready),
		Reserved:  len(p.reserved),
		InFlight:  len(p.inFlight),
		Completed: p.totalCompleted,
		Failed:    p.totalFailed,
		Capacity:  p.cfg.HardCapacity,
	}
}

// maybeResetEpoch clears the fired-refill flag once ready has recovered
// above the low watermark, allowing the next dip to trigger OnLowWater
// again ("epoch resets when ready >= low_watermark").
func (p *Pool) maybeResetEpoch(readyLen int) {
	if readyLen >= p.cfg.LowWatermark {
		p.mu.Lock()
		p.lowWaterFired = false
		p.mu.Unlock()
	}
}

// triggerLowWater fires the Generator at most once per epoch.
func (p *Pool) triggerLowWater(ctx context.Context, readyLen int) {
	p.mu.Lock()
	if p.lowWaterFired || p.generator == nil {
		p.mu.Unlock()
		return
	}
	p.lowWaterFired = true
	gen := p.generator
	shortfall := p.cfg.RefillBatch
	p.mu.Unlock()

	_ = readyLen
	go func() {
		_ = gen.OnLowWater(ctx, shortfall)
	}()
}
