package connectivity_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/syncqueue/internal/connectivity"
)

type fakePinger struct {
	mu  sync.Mutex
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakePinger) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func TestMonitor_TransitionsFireRestored(t *testing.T) {
	p := &fakePinger{}
	m := connectivity.NewMonitor(p)
	var restored atomic.Int32
	m.OnRestored(func() { restored.Add(1) })

	assert.True(t, m.Online())
	assert.True(t, m.Check(context.Background()))
	assert.Zero(t, restored.Load())

	p.set(errors.New("dial tcp: connection refused"))
	assert.False(t, m.Check(context.Background()))
	assert.False(t, m.Online())
	assert.False(t, m.Check(context.Background()))

	p.set(nil)
	assert.True(t, m.Check(context.Background()))
	assert.Equal(t, int32(1), restored.Load())
}

func TestMonitor_StartChecksOnInterval(t *testing.T) {
	p := &fakePinger{err: errors.New("offline")}
	m := connectivity.NewMonitor(p, connectivity.WithInterval(10*time.Millisecond))
	restored := make(chan struct{}, 1)
	m.OnRestored(func() { restored <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	require.Eventually(t, func() bool { return !m.Online() }, time.Second, 5*time.Millisecond)
	p.set(nil)

	select {
	case <-restored:
	case <-time.After(time.Second):
		t.Fatal("restored listener not called")
	}
	assert.True(t, m.Online())
}
