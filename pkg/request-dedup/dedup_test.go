package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoCollapses(t *testing.T) {
	g := New[string](time.Minute)
	var calls int32
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]string, 5)
	shared := make([]bool, 5)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], shared[0], _ = g.Do(context.Background(), "k", func() (string, error) {
			atomic.AddInt32(&calls, 1)
			close(started)
			<-release
			return "value", nil
		})
	}()
	<-started
	var ready sync.WaitGroup
	for i := 1; i < 5; i++ {
		wg.Add(1)
		ready.Add(1)
		go func(i int) {
			defer wg.Done()
			ready.Done()
			results[i], shared[i], _ = g.Do(context.Background(), "k", func() (string, error) {
				atomic.AddInt32(&calls, 1)
				return "other", nil
			})
		}(i)
	}
	ready.Wait()
	// give the followers time to park on the leader
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, g.InFlight())
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := range results {
		assert.Equal(t, "value", results[i])
	}
	assert.False(t, shared[0])
	assert.Zero(t, g.InFlight())
}

func TestDoSequentialCallsRunAgain(t *testing.T) {
	g := New[int](time.Minute)
	n := 0
	for i := 0; i < 3; i++ {
		v, shared, err := g.Do(context.Background(), "k", func() (int, error) {
			n++
			return n, nil
		})
		require.NoError(t, err)
		assert.False(t, shared)
		assert.Equal(t, i+1, v)
	}
}

func TestDoSharesErrors(t *testing.T) {
	g := New[int](time.Minute)
	boom := errors.New("boom")
	_, _, err := g.Do(context.Background(), "k", func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
}

func TestFollowerContext(t *testing.T) {
	g := New[int](time.Minute)
	release := make(chan struct{})
	started := make(chan struct{})
	go g.Do(context.Background(), "k", func() (int, error) {
		close(started)
		<-release
		return 1, nil
	})
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, shared, err := g.Do(ctx, "k", func() (int, error) { return 2, nil })
	assert.True(t, shared)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLeaderPanic(t *testing.T) {
	g := New[int](time.Minute)
	_, _, err := g.Do(context.Background(), "k", func() (int, error) {
		panic("boom")
	})
	assert.ErrorIs(t, err, ErrPanicked)
	assert.Zero(t, g.InFlight())

	v, _, err := g.Do(context.Background(), "k", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestExpiredLeaderKeepsSuccessor(t *testing.T) {
	g := New[int](100 * time.Millisecond)
	ctx := context.Background()

	releaseFirst := make(chan struct{})
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		g.Do(ctx, "k", func() (int, error) {
			<-releaseFirst
			return 1, nil
		})
	}()
	require.Eventually(t, func() bool { return g.InFlight() == 1 }, time.Second, time.Millisecond)
	// let the first entry expire while its call is still running
	time.Sleep(150 * time.Millisecond)

	releaseSecond := make(chan struct{})
	secondStarted := make(chan struct{})
	secondDone := make(chan int)
	go func() {
		v, _, _ := g.Do(ctx, "k", func() (int, error) {
			close(secondStarted)
			<-releaseSecond
			return 2, nil
		})
		secondDone <- v
	}()
	<-secondStarted

	close(releaseFirst)
	<-firstDone
	assert.Equal(t, 1, g.InFlight())

	close(releaseSecond)
	assert.Equal(t, 2, <-secondDone)
	assert.Zero(t, g.InFlight())
}
