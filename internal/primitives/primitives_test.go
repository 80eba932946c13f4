package primitives

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelSendRecvClose(t *testing.T) {
	ctx := context.Background()
	ch := NewChannel[int](2)
	assert.True(t, ch.Send(ctx, 1))
	assert.True(t, ch.Send(ctx, 2))
	ch.Close()
	assert.False(t, ch.Send(ctx, 3))

	v, ok := ch.Recv(ctx)
	require.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = ch.Recv(ctx)
	require.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = ch.Recv(ctx)
	assert.False(t, ok)
}

func TestNotifierFiresOnce(t *testing.T) {
	n := NewNotifier()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go n.Notify()
	go n.Notify() // concurrent, must not panic
	assert.True(t, n.Wait(ctx))
	assert.True(t, n.Wait(ctx))
}

func TestAsyncMutexExcludes(t *testing.T) {
	m := NewAsyncMutex()
	ctx := context.Background()
	require.NoError(t, m.Lock(ctx))

	locked := make(chan struct{})
	go func() {
		_ = m.Lock(ctx)
		close(locked)
		m.Unlock()
	}()

	select {
	case <-locked:
		t.Fatal("second Lock succeeded while mutex held")
	case <-time.After(50 * time.Millisecond):
	}
	m.Unlock()
	<-locked
}

func TestCancelTokenPropagatesToChildren(t *testing.T) {
	root := NewCancelToken(context.Background())
	child := root.Child()
	root.Cancel()
	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("child not cancelled by parent")
	}
}
