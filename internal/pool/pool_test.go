package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Workers: 0}, nil)
	require.Error(t, err)
	_, err = New(Config{Workers: 1, QueueSize: -1}, nil)
	require.Error(t, err)
	_, err = New(Config{Workers: 1, Policy: "drop"}, nil)
	require.Error(t, err)

	p, err := New(Config{Workers: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	require.Equal(t, 2, p.Workers())
}

func TestDoReturnsTaskResult(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Workers: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	got, err := p.Do(context.Background(), func() (enrich.Payload, error) {
		return enrich.Payload{"title": "Grand"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "Grand", got["title"])

	boom := errors.New("browser crashed")
	_, err = p.Do(context.Background(), func() (enrich.Payload, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
}

func TestDoRecoversPanics(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Workers: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	_, err = p.Do(context.Background(), func() (enrich.Payload, error) { panic("nil page") })
	require.ErrorContains(t, err, "panicked")

	got, err := p.Do(context.Background(), func() (enrich.Payload, error) { return enrich.Payload{"ok": true}, nil })
	require.NoError(t, err, "worker survives a panic")
	require.Equal(t, true, got["ok"])
}

func TestConcurrencyNeverExceedsWorkers(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Workers: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Do(context.Background(), func() (enrich.Payload, error) {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil, nil
			})
			if err != nil {
				t.Errorf("Do() error = %v", err)
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRejectPolicyFailsFastWhenSaturated(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Workers: 1, Policy: PolicyReject}, nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = p.Do(context.Background(), func() (enrich.Payload, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	_, err = p.Do(context.Background(), func() (enrich.Payload, error) { return nil, nil })
	require.ErrorIs(t, err, ErrSaturated)
	close(release)
}

func TestQueuePolicyWaitsForContext(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Workers: 1, Policy: PolicyQueue}, nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = p.Do(context.Background(), func() (enrich.Payload, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Do(ctx, func() (enrich.Payload, error) { return nil, nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestDoAfterClose(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Workers: 1}, nil)
	require.NoError(t, err)
	p.Close()
	p.Close()

	_, err = p.Do(context.Background(), func() (enrich.Payload, error) { return nil, nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestRejectPolicyAdmitsQueueSizeWaiters(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Workers: 1, QueueSize: 1, Policy: PolicyReject}, nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = p.Do(context.Background(), func() (enrich.Payload, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	// The queued caller retries while the check below briefly holds the
	// queue slot.
	queued := make(chan error, 1)
	go func() {
		for {
			_, err := p.Do(context.Background(), func() (enrich.Payload, error) { return nil, nil })
			if !errors.Is(err, ErrSaturated) {
				queued <- err
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Millisecond)
		defer cancel()
		_, err := p.Do(ctx, func() (enrich.Payload, error) { return nil, nil })
		return errors.Is(err, ErrSaturated)
	}, time.Second, 5*time.Millisecond)

	close(release)
	select {
	case err := <-queued:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued call never ran")
	}
}

func TestCloseFailsWaitingCallers(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Workers: 1}, nil)
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		_, err := p.Do(context.Background(), func() (enrich.Payload, error) {
			close(started)
			<-release
			return enrich.Payload{"ok": true}, nil
		})
		firstDone <- err
	}()
	<-started

	waiting := make(chan error, 1)
	go func() {
		_, err := p.Do(context.Background(), func() (enrich.Payload, error) { return nil, nil })
		waiting <- err
	}()

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	select {
	case err := <-waiting:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiting caller was not released by Close")
	}

	close(release)
	require.NoError(t, <-firstDone, "running call completes")
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after running calls finished")
	}
}
