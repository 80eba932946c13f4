package adminapi

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/task-messenger/internal/session"
	"github.com/ChuLiYu/task-messenger/internal/taskpool"
)

func TestServerSnapshotReportsPoolStats(t *testing.T) {
	pool := taskpool.New(taskpool.Config{HardCapacity: 10, LowWatermark: 1, RefillBatch: 1})
	_, err := pool.Submit(context.Background(), 1, []byte("abc"))
	require.NoError(t, err)

	mgr := session.NewManager(session.ManagerConfig{ListenEndpoint: "127.0.0.1:0"}, pool, nil)
	srv := NewServer("127.0.0.1:0", mgr)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	st, err := FetchStatus(ts.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, st.PoolReady)
	assert.Empty(t, st.Workers)
}

func TestPrintStatusRendersWorkers(t *testing.T) {
	st := &Status{
		ListenEndpoint: "0.0.0.0:9000",
		PoolReady:      3,
		Workers: []WorkerStatus{
			{WorkerID: "worker-1", RemoteAddress: "127.0.0.1:5555", ConnectedAt: time.Now(), Sent: 2, Completed: 1},
		},
	}
	var buf bytes.Buffer
	PrintStatus(&buf, st)
	out := buf.String()
	assert.Contains(t, out, "worker-1")
	assert.Contains(t, out, "ready:        3")
}
