package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-msgbus/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	ChannelSource
	closes atomic.Int32
}

func (c *countingSource) Close() error {
	c.closes.Add(1)
	return nil
}

func newCountingSource(ch chan Delivery) *countingSource {
	return &countingSource{ChannelSource: ChannelSource{C: ch}}
}

func delivery(id string) Delivery {
	return Delivery{Message: &models.Message{ID: id}, Destination: "orders"}
}

func TestSubscriptions_SequentialPerDestination(t *testing.T) {
	subs := NewSubscriptions(nil)
	defer subs.Close()

	ch := make(chan Delivery, 2)
	var mu sync.Mutex
	events := make([]string, 0, 4)
	done := make(chan struct{})

	handler := func(ctx context.Context, d Delivery) error {
		mu.Lock()
		events = append(events, "start:"+d.Message.ID)
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		events = append(events, "end:"+d.Message.ID)
		finished := len(events) == 4
		mu.Unlock()
		if finished {
			close(done)
		}
		return errors.New("failures do not break ordering")
	}

	require.NoError(t, subs.Register("orders", handler, func(ctx context.Context) (Source, error) {
		return newCountingSource(ch), nil
	}))

	ch <- delivery("m1")
	ch <- delivery("m2")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"start:m1", "end:m1", "start:m2", "end:m2"}, events)
}

func TestSubscriptions_ConcurrentAcrossDestinations(t *testing.T) {
	subs := NewSubscriptions(nil)
	defer subs.Close()

	var started sync.WaitGroup
	started.Add(2)
	release := make(chan struct{})

	handler := func(ctx context.Context, d Delivery) error {
		started.Done()
		<-release
		return nil
	}

	for _, dest := range []string{"orders", "payments"} {
		ch := make(chan Delivery, 1)
		ch <- Delivery{Message: &models.Message{ID: dest}, Destination: dest}
		require.NoError(t, subs.Register(dest, handler, func(ctx context.Context) (Source, error) {
			return newCountingSource(ch), nil
		}))
	}

	allStarted := make(chan struct{})
	go func() {
		started.Wait()
		close(allStarted)
	}()

	select {
	case <-allStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("destinations were not handled concurrently")
	}
	close(release)
}

func TestSubscriptions_ReplaceHandler(t *testing.T) {
	subs := NewSubscriptions(nil)
	defer subs.Close()

	ch := make(chan Delivery, 1)
	opens := 0
	open := func(ctx context.Context) (Source, error) {
		opens++
		return newCountingSource(ch), nil
	}

	var firstCalls, secondCalls atomic.Int32
	received := make(chan struct{}, 1)

	require.NoError(t, subs.Register("orders", func(ctx context.Context, d Delivery) error {
		firstCalls.Add(1)
		return nil
	}, open))
	require.NoError(t, subs.Register("orders", func(ctx context.Context, d Delivery) error {
		secondCalls.Add(1)
		received <- struct{}{}
		return nil
	}, open))

	ch <- delivery("m1")

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement handler not invoked")
	}

	assert.Equal(t, 1, opens)
	assert.Equal(t, int32(0), firstCalls.Load())
	assert.Equal(t, int32(1), secondCalls.Load())
	assert.Equal(t, []string{"orders"}, subs.Destinations())
}

func TestSubscriptions_CloseDrainsInFlightHandler(t *testing.T) {
	subs := NewSubscriptions(nil)

	ch := make(chan Delivery, 1)
	source := newCountingSource(ch)
	entered := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr atomic.Value
	var finished atomic.Bool

	require.NoError(t, subs.Register("orders", func(ctx context.Context, d Delivery) error {
		close(entered)
		<-release
		if ctx.Err() != nil {
			handlerCtxErr.Store(ctx.Err())
		}
		finished.Store(true)
		return nil
	}, func(ctx context.Context) (Source, error) {
		return source, nil
	}))

	ch <- delivery("m1")
	<-entered

	closed := make(chan error, 1)
	go func() {
		closed <- subs.Close()
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the handler finished")
	}

	assert.True(t, finished.Load())
	assert.Nil(t, handlerCtxErr.Load())
	assert.Equal(t, int32(1), source.closes.Load())
}

func TestSubscriptions_CloseIsIdempotent(t *testing.T) {
	subs := NewSubscriptions(nil)

	source := newCountingSource(make(chan Delivery))
	require.NoError(t, subs.Register("orders", func(ctx context.Context, d Delivery) error {
		return nil
	}, func(ctx context.Context) (Source, error) {
		return source, nil
	}))

	assert.NoError(t, subs.Close())
	assert.NoError(t, subs.Close())
	assert.Equal(t, int32(1), source.closes.Load())

	err := subs.Register("payments", func(ctx context.Context, d Delivery) error {
		return nil
	}, func(ctx context.Context) (Source, error) {
		return source, nil
	})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubscriptions_OpenFailure(t *testing.T) {
	subs := NewSubscriptions(nil)
	defer subs.Close()

	err := subs.Register("orders", func(ctx context.Context, d Delivery) error {
		return nil
	}, func(ctx context.Context) (Source, error) {
		return nil, errors.New("queue declare failed")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue declare failed")
	assert.Empty(t, subs.Destinations())
}

func TestTransportError(t *testing.T) {
	cause := errors.New("connection refused")
	err := &Error{Transport: "kafka", Op: "send", Destination: "orders", Err: cause}

	assert.Equal(t, "kafka send orders: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsTransportError(err))
	assert.False(t, IsTransportError(cause))
}

func TestSubscriptions_LostSourceIsReopened(t *testing.T) {
	lost := make(chan string, 1)
	subs := NewSubscriptions(nil, OnSourceLost(func(destination string, err error) {
		assert.ErrorIs(t, err, ErrSourceClosed)
		lost <- destination
	}))
	defer subs.Close()

	first := make(chan Delivery)
	second := make(chan Delivery, 1)
	sources := []*countingSource{newCountingSource(first), newCountingSource(second)}
	opens := 0
	open := func(ctx context.Context) (Source, error) {
		src := sources[opens]
		opens++
		return src, nil
	}

	noop := func(ctx context.Context, d Delivery) error { return nil }
	require.NoError(t, subs.Register("orders", noop, open))

	// The broker closes the consumer channel.
	close(first)

	select {
	case dest := <-lost:
		assert.Equal(t, "orders", dest)
	case <-time.After(time.Second):
		t.Fatal("lost source not reported")
	}
	assert.Empty(t, subs.Destinations())
	assert.Equal(t, int32(1), sources[0].closes.Load())

	got := make(chan string, 1)
	require.NoError(t, subs.Register("orders", func(ctx context.Context, d Delivery) error {
		got <- d.Message.ID
		return nil
	}, open))
	assert.Equal(t, 2, opens)

	second <- delivery("m-2")
	select {
	case id := <-got:
		assert.Equal(t, "m-2", id)
	case <-time.After(time.Second):
		t.Fatal("reopened source not consumed")
	}
}

func TestSubscriptions_OpenDoesNotHoldRegistry(t *testing.T) {
	subs := NewSubscriptions(nil)
	defer subs.Close()

	release := make(chan struct{})
	opened := make(chan struct{})
	slowOpen := func(ctx context.Context) (Source, error) {
		close(opened)
		<-release
		return newCountingSource(make(chan Delivery)), nil
	}
	fastOpen := func(ctx context.Context) (Source, error) {
		return newCountingSource(make(chan Delivery)), nil
	}
	noop := func(ctx context.Context, d Delivery) error { return nil }

	done := make(chan error, 1)
	go func() { done <- subs.Register("slow", noop, slowOpen) }()
	<-opened

	// Other destinations and lookups proceed while "slow" is opening.
	require.NoError(t, subs.Register("fast", noop, fastOpen))
	_, ok := subs.Handler("fast")
	assert.True(t, ok)
	assert.Equal(t, []string{"fast"}, subs.Destinations())

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, subs.Destinations(), 2)
}

func TestSubscriptions_CloseDuringOpen(t *testing.T) {
	subs := NewSubscriptions(nil)

	release := make(chan struct{})
	opened := make(chan struct{})
	src := newCountingSource(make(chan Delivery))
	done := make(chan error, 1)
	go func() {
		done <- subs.Register("orders", func(ctx context.Context, d Delivery) error { return nil },
			func(ctx context.Context) (Source, error) {
				close(opened)
				<-release
				return src, nil
			})
	}()
	<-opened

	require.NoError(t, subs.Close())
	close(release)

	assert.ErrorIs(t, <-done, ErrClosed)
	assert.Equal(t, int32(1), src.closes.Load())
}
