// Package session implements the manager side of a worker connection
// (§4.5) and the Session Manager that owns the Acceptor and the set of
// active Sessions (§4.6).
//
// Grounded on the teacher's internal/worker.Worker single-goroutine loop,
// split here into a writer/reader coroutine pair coordinated through an
// in_flight gauge and a notify_on_completion single-shot
// (internal/primitives.Notifier), and on internal/controller.Controller's
// multi-loop ownership + stopCh/WaitGroup shutdown, generalized from one
// local worker pool to one Session per accepted connection.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/task-messenger/internal/metrics"
	"github.com/ChuLiYu/task-messenger/internal/primitives"
	"github.com/ChuLiYu/task-messenger/internal/taskpool"
	"github.com/ChuLiYu/task-messenger/internal/transport"
	"github.com/ChuLiYu/task-messenger/internal/wire"
	"github.com/ChuLiYu/task-messenger/pkg/types"
)

// State is the manager-side Session state machine (§3 "Session State").
type State int32

const (
	StateStarting State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Metrics are the per-worker counters named in §3's Worker Record.
type Metrics struct {
	Sent      atomic.Int64
	Completed atomic.Int64
	Failed    atomic.Int64
}

// Config bounds one session's behavior, matching the relevant §6.2 keys.
type Config struct {
	MaxInFlight       uint32
	ResponseTimeout   time.Duration
	DrainTimeout      time.Duration
	MaxReleaseRetries *int
	Collector         *metrics.Collector
}

func (c *Config) applyDefaults() {
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 8
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
}

// Session owns one worker connection and drives task dispatch on it.
type Session struct {
	WorkerID      string
	RemoteAddress string
	ConnectedAt   time.Time
	Metrics       *Metrics

	cfg       Config
	pool      *taskpool.Pool
	stream    transport.Stream
	log       *slog.Logger
	collector *metrics.Collector

	state atomic.Int32

	mu       sync.Mutex
	inFlight map[types.TaskID]time.Time // task_id -> dispatch time, for response_timeout sweeps

	completionSig *primitives.Notifier
	hasWork       *primitives.Notifier
	stopToken     *primitives.CancelToken
}

// New constructs a Session bound to an already-accepted stream. Callers
// must call Run to drive it.
func New(workerID string, stream transport.Stream, pool *taskpool.Pool, cfg Config, logger *slog.Logger) *Session {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		WorkerID:      workerID,
		RemoteAddress: stream.RemoteAddr().String(),
		ConnectedAt:   time.Now(),
		Metrics:       &Metrics{},
		cfg:           cfg,
		pool:          pool,
		stream:        stream,
		log:           logger.With("worker_id", workerID),
		collector:     cfg.Collector,
		inFlight:      make(map[types.TaskID]time.Time),
		completionSig: primitives.NewNotifier(),
		hasWork:       primitives.NewNotifier(),
		stopToken:     primitives.NewCancelToken(context.Background()),
	}
}

// State reports the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// NotifyHasWork wakes a writer parked waiting for pool work (§4.6: "keep
// the session idle (writer parked on has_work)"). The Session Manager (or
// a Generator) calls this after a Submit.
func (s *Session) NotifyHasWork() {
	s.mu.Lock()
	s.hasWork.Notify()
	s.mu.Unlock()
}

// RequestDrain initiates a graceful stop: the writer stops reserving new
// tasks and the reader keeps collecting outstanding responses for up to
// drain_timeout.
func (s *Session) RequestDrain() {
	s.state.CompareAndSwap(int32(StateActive), int32(StateDraining))
	s.stopToken.Cancel()
}

// Run performs the hello handshake and then drives the writer/reader
// coroutine pair until the session closes. It blocks until the session
// reaches Closed.
func (s *Session) Run(ctx context.Context) error {
	s.state.Store(int32(StateStarting))
	s.stopToken = primitives.NewCancelToken(ctx) // link drain/cancel to the caller's ctx
	codec := wire.NewCodec(wire.DefaultMaxFrameSize)

	if err := s.doHello(ctx, codec); err != nil {
		s.state.Store(int32(StateClosed))
		_ = s.stream.Close()
		return err
	}
	s.state.Store(int32(StateActive))

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.writerLoop(ctx, codec)
	}()
	go func() {
		defer wg.Done()
		s.readerLoop(ctx, codec)
	}()
	go func() {
		defer wg.Done()
		s.timeoutLoop(ctx)
	}()
	wg.Wait()

	s.closeAndRelease()
	return nil
}

func (s *Session) doHello(ctx context.Context, codec *wire.Codec) error {
	rd := &streamReader{ctx: ctx, s: s.stream}
	wr := &streamWriter{ctx: ctx, s: s.stream}

	env, err := codec.Decode(rd)
	if err != nil {
		return err
	}
	hello, err := wire.DecodeHello(env.Payload)
	if err != nil {
		return err
	}
	if hello.ProtocolVersion != wire.ProtocolVersion {
		_ = codec.Encode(wr, wire.HelloReplyEnvelope(hello, false))
		return types.ProtocolError("worker hello version mismatch", types.ErrVersionMismatch)
	}
	// Negotiate downward only: never grant more than our own configured max.
	if hello.MaxInFlight > 0 && hello.MaxInFlight < s.cfg.MaxInFlight {
		s.cfg.MaxInFlight = hello.MaxInFlight
	}
	return codec.Encode(wr, wire.HelloReplyEnvelope(wire.Hello{ProtocolVersion: wire.ProtocolVersion, MaxInFlight: s.cfg.MaxInFlight}, true))
}

func (s *Session) writerLoop(ctx context.Context, codec *wire.Codec) {
	wr := &streamWriter{ctx: ctx, s: s.stream}
	for {
		if s.State() != StateActive {
			return
		}

		s.mu.Lock()
		free := int(s.cfg.MaxInFlight) - len(s.inFlight)
		completion := s.completionSig
		s.mu.Unlock()

		if free <= 0 {
			if !completion.Wait(s.stopToken.Context()) {
				return
			}
			s.resetCompletionSignal()
			continue
		}

		tasks, _ := s.pool.Reserve(ctx, free, s.WorkerID)
		if len(tasks) == 0 {
			hasWork := s.currentHasWork()
			if !hasWork.Wait(s.stopToken.Context()) {
				return
			}
			s.resetHasWorkSignal()
			continue
		}

		// Track every reserved task before writing so closeAndRelease
		// returns it to the pool even if a write below fails.
		s.mu.Lock()
		reservedAt := time.Now()
		for _, t := range tasks {
			s.inFlight[t.ID] = reservedAt
		}
		s.mu.Unlock()

		for _, t := range tasks {
			if err := s.pool.MarkInFlight(t.ID, s.WorkerID); err != nil {
				s.log.Warn("failed to mark task in-flight", "task_id", t.ID, "error", err)
				continue
			}
			env := wire.Envelope{TaskID: t.ID, SkillID: t.SkillID, Payload: t.Payload}
			if err := codec.Encode(wr, env); err != nil {
				s.log.Warn("writer coroutine failed", "error", err)
				s.RequestDrain()
				return
			}
			s.Metrics.Sent.Add(1)
			s.collector.RecordDispatch()
		}
	}
}

func (s *Session) readerLoop(ctx context.Context, codec *wire.Codec) {
	drainDeadline := time.Time{}
	for {
		// While Active, a drain request interrupts a read that is waiting
		// for the next frame; once Draining, reads are bounded by drain_timeout.
		readCtx := s.stopToken.Context()
		var cancel context.CancelFunc
		if s.State() == StateDraining {
			if drainDeadline.IsZero() {
				drainDeadline = time.Now().Add(s.cfg.DrainTimeout)
			}
			if s.inFlightCount() == 0 || time.Now().After(drainDeadline) {
				s.state.Store(int32(StateClosed))
				return
			}
			readCtx, cancel = context.WithDeadline(ctx, drainDeadline)
		}

		rd := &streamReader{ctx: readCtx, s: s.stream}
		env, err := codec.Decode(rd)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			s.log.Warn("reader coroutine failed", "error", err)
			s.RequestDrain()
			if s.inFlightCount() == 0 {
				s.state.Store(int32(StateClosed))
				return
			}
			continue
		}

		if !env.IsResponse() {
			continue
		}

		s.mu.Lock()
		dispatchedAt, known := s.inFlight[env.TaskID]
		s.mu.Unlock()
		if !known {
			s.log.Warn("response for task not in-flight on this session", "task_id", env.TaskID)
			continue
		}

		success := !env.HasError()
		if err := s.pool.Commit(env.TaskID, s.WorkerID, success, env.Payload, errPayloadString(env)); err != nil {
			s.log.Warn("commit failed", "task_id", env.TaskID, "error", err)
		}
		if success {
			s.Metrics.Completed.Add(1)
			s.collector.RecordCompleted(dispatchedAt)
		} else {
			s.Metrics.Failed.Add(1)
			s.collector.RecordFailed(dispatchedAt)
		}

		s.mu.Lock()
		delete(s.inFlight, env.TaskID)
		s.completionSig.Notify()
		s.mu.Unlock()
	}
}

// timeoutLoop sweeps in-flight tasks for response_timeout expiry: an
// expired task is treated as failed on this worker, released back to the
// pool, and the session is transitioned to Draining (§5's Timeouts rule).
func (s *Session) timeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ResponseTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopToken.Done():
			return
		case <-ticker.C:
		}
		if s.State() != StateActive {
			continue
		}

		now := time.Now()
		type expiredTask struct {
			id           types.TaskID
			dispatchedAt time.Time
		}
		var expired []expiredTask
		s.mu.Lock()
		for id, sentAt := range s.inFlight {
			if now.Sub(sentAt) >= s.cfg.ResponseTimeout {
				expired = append(expired, expiredTask{id: id, dispatchedAt: sentAt})
			}
		}
		for _, e := range expired {
			delete(s.inFlight, e.id)
		}
		s.mu.Unlock()

		for _, e := range expired {
			s.log.Warn("task exceeded response_timeout, releasing", "task_id", e.id)
			if err := s.pool.Release(e.id, s.WorkerID, s.cfg.MaxReleaseRetries); err != nil {
				s.log.Warn("failed to release timed-out task", "task_id", e.id, "error", err)
			}
			s.Metrics.Failed.Add(1)
			s.collector.RecordFailed(e.dispatchedAt)
		}
		if len(expired) > 0 {
			s.RequestDrain()
		}
	}
}

func errPayloadString(env wire.Envelope) string {
	if env.HasError() {
		return string(env.Payload)
	}
	return ""
}

func (s *Session) inFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *Session) currentHasWork() *primitives.Notifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasWork
}

func (s *Session) resetCompletionSignal() {
	s.mu.Lock()
	s.completionSig = primitives.NewNotifier()
	s.mu.Unlock()
}

func (s *Session) resetHasWorkSignal() {
	s.mu.Lock()
	s.hasWork = primitives.NewNotifier()
	s.mu.Unlock()
}

// closeAndRelease releases every still-in-flight task back to the pool,
// satisfying invariant I4.
func (s *Session) closeAndRelease() {
	s.mu.Lock()
	ids := make([]types.TaskID, 0, len(s.inFlight))
	for id := range s.inFlight {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.pool.Release(id, s.WorkerID, s.cfg.MaxReleaseRetries); err != nil {
			s.log.Warn("failed to release in-flight task on close", "task_id", id, "error", err)
		}
	}

	s.mu.Lock()
	s.inFlight = make(map[types.TaskID]time.Time)
	s.mu.Unlock()
	s.state.Store(int32(StateClosed))
	_ = s.stream.Close()
}

type streamReader struct {
	ctx context.Context
	s   transport.Stream
}

func (r *streamReader) Read(p []byte) (int, error) { return r.s.Read(r.ctx, p) }

type streamWriter struct {
	ctx context.Context
	s   transport.Stream
}

func (w *streamWriter) Write(p []byte) (int, error) { return w.s.Write(w.ctx, p) }
