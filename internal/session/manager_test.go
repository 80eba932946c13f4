package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/task-messenger/internal/taskpool"
	"github.com/ChuLiYu/task-messenger/internal/transport"
	"github.com/ChuLiYu/task-messenger/internal/wire"
)

// fakeWorker dials addr, performs the hello handshake, answers exactly one
// task by reversing its payload, then blocks until ctx is cancelled.
func fakeWorker(t *testing.T, ctx context.Context, addr string, maxInFlight uint32) {
	stream, err := transport.Dial(ctx, addr)
	require.NoError(t, err)
	defer stream.Close()

	codec := wire.NewCodec(0)
	rd := &fakeRW{ctx: ctx, s: stream}

	req := wire.HelloRequestEnvelope(wire.Hello{ProtocolVersion: wire.ProtocolVersion, MaxInFlight: maxInFlight})
	require.NoError(t, codec.Encode(rd, req))

	replyEnv, err := codec.Decode(rd)
	require.NoError(t, err)
	_, err = wire.DecodeHello(replyEnv.Payload)
	require.NoError(t, err)

	env, err := codec.Decode(rd)
	if err != nil {
		return
	}
	resp := wire.Envelope{
		TaskID:  env.TaskID,
		SkillID: env.SkillID,
		Flags:   wire.FlagIsResponse,
		Payload: reverse(env.Payload),
	}
	_ = codec.Encode(rd, resp)

	<-ctx.Done()
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

type fakeRW struct {
	ctx context.Context
	s   transport.Stream
}

func (f *fakeRW) Read(p []byte) (int, error)  { return f.s.Read(f.ctx, p) }
func (f *fakeRW) Write(p []byte) (int, error) { return f.s.Write(f.ctx, p) }

func TestManagerAcceptAndDispatchOneTask(t *testing.T) {
	pool := taskpool.New(taskpool.Config{HardCapacity: 10, LowWatermark: 1, RefillBatch: 1})
	taskID, err := pool.Submit(context.Background(), 2, []byte("abc"))
	require.NoError(t, err)

	mgr := NewManager(ManagerConfig{
		ListenEndpoint: "127.0.0.1:0",
		Session:        Config{MaxInFlight: 4, ResponseTimeout: time.Second, DrainTimeout: time.Second},
	}, pool, nil)
	require.NoError(t, mgr.Start())
	defer mgr.Stop()

	addr := mgr.acc.Addr().String()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go fakeWorker(t, ctx, addr, 4)

	require.Eventually(t, func() bool {
		stats := mgr.GetTaskPoolStats()
		return stats.Completed == 1
	}, 2*time.Second, 20*time.Millisecond)

	assert.Greater(t, uint64(taskID), uint64(0))
}

func TestManagerSnapshotWorkersReportsConnectedWorker(t *testing.T) {
	pool := taskpool.New(taskpool.Config{HardCapacity: 10, LowWatermark: 1, RefillBatch: 1})
	mgr := NewManager(ManagerConfig{
		ListenEndpoint: "127.0.0.1:0",
		Session:        Config{MaxInFlight: 4, ResponseTimeout: time.Second, DrainTimeout: time.Second},
	}, pool, nil)
	require.NoError(t, mgr.Start())
	defer mgr.Stop()

	addr := mgr.acc.Addr().String()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go fakeWorker(t, ctx, addr, 4)

	require.Eventually(t, func() bool {
		return mgr.WorkerCount() == 1
	}, time.Second, 10*time.Millisecond)

	workers := mgr.SnapshotWorkers()
	require.Len(t, workers, 1)
	assert.NotEmpty(t, workers[0].WorkerID)
}

func TestManagerStopForcesCloseWithinShutdownTimeout(t *testing.T) {
	pool := taskpool.New(taskpool.Config{HardCapacity: 10, LowWatermark: 1, RefillBatch: 1})
	mgr := NewManager(ManagerConfig{
		ListenEndpoint:  "127.0.0.1:0",
		Session:         Config{MaxInFlight: 4, ResponseTimeout: time.Second, DrainTimeout: time.Hour},
		ShutdownTimeout: 200 * time.Millisecond,
	}, pool, nil)
	require.NoError(t, mgr.Start())

	addr := mgr.acc.Addr().String()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go fakeWorker(t, ctx, addr, 4)

	require.Eventually(t, func() bool {
		return mgr.WorkerCount() == 1
	}, time.Second, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		mgr.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return within shutdown_timeout")
	}
}
