// Package workerrt implements the Worker Runtime (§4.7): dial-with-backoff
// connection management, a read/processor/write coroutine triple per
// connection, and pause/resume/stop controls.
//
// Grounded on the teacher's internal/worker.Pool + Worker: a fixed set of
// goroutines draining a task channel into a result channel, generalized
// here from a one-shot simulated executor into a persistent
// dial/reconnect loop running against a registered skills.Registry.
package workerrt

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/task-messenger/internal/iocontext"
	"github.com/ChuLiYu/task-messenger/internal/primitives"
	"github.com/ChuLiYu/task-messenger/internal/skills"
	"github.com/ChuLiYu/task-messenger/internal/transport"
	"github.com/ChuLiYu/task-messenger/internal/wire"
	"github.com/ChuLiYu/task-messenger/pkg/types"
)

// State is the Worker Runtime's connection-state machine.
type State int32

const (
	StateDialing State = iota
	StateConnected
	StateActive
	StateStopped
)

// Config bounds backoff and processing behavior, matching §6.2's keys.
type Config struct {
	ConnectEndpoint string
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	MaxInFlight     uint32 // proposed to the manager at hello
	ProcessorCount  int    // >1 only meaningful in "blocking" worker_mode
	StopTimeout     time.Duration

	// IOThreads sizes the Coroutine I/O Context (§4.2) that this
	// connection's processor loops run on; default 1.
	IOThreads int
}

func (c *Config) applyDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 10 * time.Second
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 8
	}
	if c.ProcessorCount <= 0 {
		c.ProcessorCount = 1
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
}

type inboxItem struct {
	taskID  types.TaskID
	skillID types.SkillID
	payload []byte
}

type outboxItem struct {
	env wire.Envelope
}

// Runtime drives one logical worker connection over its lifetime,
// reconnecting with backoff whenever the stream fails.
type Runtime struct {
	cfg      Config
	registry *skills.Registry
	log      *slog.Logger

	state atomic.Int32

	paused      atomic.Bool
	resumeSig   *primitives.Notifier
	pauseMu     sync.Mutex

	// io bounds the concurrent processor coroutines spawned per
	// connection (§4.2), sized to cfg.IOThreads.
	io *iocontext.Context

	stopToken *primitives.CancelToken
}

// New builds a Runtime. logger may be nil, in which case slog.Default() is
// used, matching the teacher's package-level `var log = slog.Default()`
// injection pattern.
func New(cfg Config, registry *skills.Registry, logger *slog.Logger) *Runtime {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:       cfg,
		registry:  registry,
		log:       logger,
		resumeSig: primitives.NewNotifier(),
		io:        iocontext.New(context.Background(), cfg.IOThreads),
		stopToken: primitives.NewCancelToken(context.Background()),
	}
}

// State reports the runtime's current connection state.
func (r *Runtime) State() State { return State(r.state.Load()) }

func (r *Runtime) setState(s State) { r.state.Store(int32(s)) }

// Pause causes the processor coroutine(s) to park before pulling their next
// inbox item.
func (r *Runtime) Pause() {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	r.paused.Store(true)
	r.resumeSig = primitives.NewNotifier()
}

// Resume releases any parked processor coroutines.
func (r *Runtime) Resume() {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	r.paused.Store(false)
	r.resumeSig.Notify()
}

func (r *Runtime) resumeChan() *primitives.Notifier {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	return r.resumeSig
}

// Stop cancels every coroutine and transitions to Stopped. Responses still
// queued in the outbox are dropped, not drained, and StopTimeout is not
// consulted.
func (r *Runtime) Stop() {
	r.stopToken.Cancel()
	r.setState(StateStopped)
}

// Run dials, reconnects on failure with exponential backoff and jitter, and
// blocks until ctx is cancelled or Stop is called.
func (r *Runtime) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopToken.Done():
			return nil
		default:
		}

		r.setState(StateDialing)
		stream, hello, err := r.dialAndHello(ctx)
		if err != nil {
			if types.Kind(err) == types.KindProtocol {
				r.log.Error("fatal protocol mismatch, giving up", "error", err)
				return err
			}
			delay := backoffDelay(r.cfg.BackoffBase, r.cfg.BackoffCap, attempt)
			r.log.Warn("dial failed, backing off", "error", err, "delay", delay, "attempt", attempt)
			attempt++
			select {
			case <-ctx.Done():
				return nil
			case <-r.stopToken.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		r.setState(StateActive)
		r.runConnection(ctx, stream, hello)
		// runConnection returns only on failure or shutdown; loop to redial
		// unless we were asked to stop.
		select {
		case <-r.stopToken.Done():
			return nil
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (r *Runtime) dialAndHello(ctx context.Context) (transport.Stream, wire.Hello, error) {
	stream, err := transport.Dial(ctx, r.cfg.ConnectEndpoint)
	if err != nil {
		return nil, wire.Hello{}, err
	}

	codec := wire.NewCodec(wire.DefaultMaxFrameSize)
	req := wire.HelloRequestEnvelope(wire.Hello{ProtocolVersion: wire.ProtocolVersion, MaxInFlight: r.cfg.MaxInFlight})
	if err := codec.Encode(&streamWriter{ctx: ctx, s: stream}, req); err != nil {
		_ = stream.Close()
		return nil, wire.Hello{}, err
	}

	replyEnv, err := codec.Decode(&streamReader{ctx: ctx, s: stream})
	if err != nil {
		_ = stream.Close()
		return nil, wire.Hello{}, err
	}
	reply, err := wire.DecodeHello(replyEnv.Payload)
	if err != nil {
		_ = stream.Close()
		return nil, wire.Hello{}, err
	}
	if replyEnv.Status != 0 || reply.ProtocolVersion != wire.ProtocolVersion {
		_ = stream.Close()
		return nil, wire.Hello{}, types.ProtocolError("hello version mismatch", types.ErrVersionMismatch)
	}

	// Negotiation is downward-only: honor the manager's granted window if
	// it is lower than what we proposed (see DESIGN.md Open Question 2).
	if reply.MaxInFlight < r.cfg.MaxInFlight {
		r.cfg.MaxInFlight = reply.MaxInFlight
	}
	return stream, reply, nil
}

// runConnection owns one connected stream's read/processor/write
// coroutines until any of them fails.
func (r *Runtime) runConnection(ctx context.Context, stream transport.Stream, hello wire.Hello) {
	defer stream.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Stopping the runtime must also tear down whichever connection is
	// currently live, not just prevent future reconnect attempts.
	go func() {
		select {
		case <-r.stopToken.Done():
			cancel()
		case <-connCtx.Done():
		}
	}()

	inbox := primitives.NewChannel[inboxItem](int(r.cfg.MaxInFlight))
	outbox := primitives.NewChannel[outboxItem](int(r.cfg.MaxInFlight))

	// Read and write are one-per-connection I/O plumbing needed regardless
	// of io_threads; only the processor loops (the bounded "work" §4.2
	// describes) spawn through the shared iocontext.Context, so io_threads=1
	// never starves the read/write pair.
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		r.readLoop(connCtx, stream, inbox)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		r.writeLoop(connCtx, stream, outbox)
	}()

	handles := make([]*iocontext.Handle, r.cfg.ProcessorCount)
	for i := 0; i < r.cfg.ProcessorCount; i++ {
		handles[i] = r.io.Spawn(func(spawnCtx context.Context) error {
			r.processLoop(connCtx, inbox, outbox)
			return nil
		})
	}

	wg.Wait()
	// Processor loops exit once connCtx is done (cancelled by read/write
	// above) or inbox/outbox close; join them before closing the channels
	// so none is left mid-Send on a channel about to close.
	for _, h := range handles {
		_ = h.Join()
	}
	inbox.Close()
	outbox.Close()
}

func (r *Runtime) readLoop(ctx context.Context, stream transport.Stream, inbox *primitives.Channel[inboxItem]) {
	codec := wire.NewCodec(wire.DefaultMaxFrameSize)
	rd := &streamReader{ctx: ctx, s: stream}
	for {
		env, err := codec.Decode(rd)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Warn("read coroutine failed, reconnecting", "error", err)
			}
			return
		}
		item := inboxItem{taskID: env.TaskID, skillID: env.SkillID, payload: append([]byte(nil), env.Payload...)}
		if !inbox.Send(ctx, item) {
			return
		}
	}
}

func (r *Runtime) processLoop(ctx context.Context, inbox *primitives.Channel[inboxItem], outbox *primitives.Channel[outboxItem]) {
	for {
		if r.paused.Load() {
			if !r.resumeChan().Wait(ctx) {
				return
			}
		}

		item, ok := inbox.Recv(ctx)
		if !ok {
			return
		}

		env := r.dispatch(ctx, item)
		if !outbox.Send(ctx, outboxItem{env: env}) {
			return
		}
	}
}

func (r *Runtime) dispatch(ctx context.Context, item inboxItem) wire.Envelope {
	handler, ok := r.registry.Lookup(item.skillID)
	if !ok {
		return wire.Envelope{
			TaskID:  item.taskID,
			SkillID: item.skillID,
			Flags:   wire.FlagIsResponse | wire.FlagHasError,
			Status:  1,
			Payload: []byte(skills.ErrUnknownSkill(item.skillID).Error()),
		}
	}

	resp, err := handler(ctx, item.payload)
	if err != nil {
		return wire.Envelope{
			TaskID:  item.taskID,
			SkillID: item.skillID,
			Flags:   wire.FlagIsResponse | wire.FlagHasError,
			Status:  1,
			Payload: []byte(err.Error()),
		}
	}
	return wire.Envelope{
		TaskID:  item.taskID,
		SkillID: item.skillID,
		Flags:   wire.FlagIsResponse,
		Status:  0,
		Payload: resp,
	}
}

func (r *Runtime) writeLoop(ctx context.Context, stream transport.Stream, outbox *primitives.Channel[outboxItem]) {
	codec := wire.NewCodec(wire.DefaultMaxFrameSize)
	wr := &streamWriter{ctx: ctx, s: stream}
	for {
		item, ok := outbox.Recv(ctx)
		if !ok {
			return
		}
		if err := codec.Encode(wr, item.env); err != nil {
			if ctx.Err() == nil {
				r.log.Warn("write coroutine failed, reconnecting", "error", err)
			}
			return
		}
	}
}

func backoffDelay(base, capDelay time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d <= 0 || d > capDelay {
		d = capDelay
	}
	jitter := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * jitter
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		result = base
	}
	return result
}

// streamReader/streamWriter adapt transport.Stream (ctx-parametrized) to
// io.Reader/io.Writer for wire.Codec, binding a fixed ctx per call site.
type streamReader struct {
	ctx context.Context
	s   transport.Stream
}

func (sr *streamReader) Read(p []byte) (int, error) { return sr.s.Read(sr.ctx, p) }

type streamWriter struct {
	ctx context.Context
	s   transport.Stream
}

func (sw *streamWriter) Write(p []byte) (int, error) { return sw.s.Write(sw.ctx, p) }
