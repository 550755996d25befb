package throttle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"channel-cloner/internal/infra/throttle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// waitErr имитирует классифицированную ошибку транспорта с указанием «подождите».
type waitErr struct{ wait time.Duration }

func (e waitErr) Error() string             { return "FLOOD_WAIT" }
func (e waitErr) RetryAfter() time.Duration { return e.wait }

func TestGovernorMinimumSpacing(t *testing.T) {
	t.Parallel()

	const interval = 40 * time.Millisecond
	g := throttle.New(throttle.WithMinInterval(interval))

	var (
		mu         sync.Mutex
		departures []time.Time
		wg         sync.WaitGroup
	)
	for range 5 {
		wg.Go(func() {
			err := g.Do(context.Background(), "user:1", func(context.Context) error {
				mu.Lock()
				departures = append(departures, time.Now())
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	require.Len(t, departures, 5)
	for i := 1; i < len(departures); i++ {
		gap := departures[i].Sub(departures[i-1])
		// Небольшой допуск на разрешение таймеров рантайма.
		require.GreaterOrEqual(t, gap, interval-2*time.Millisecond, "gap #%d = %s", i, gap)
	}
}

func TestGovernorHonoursServerWait(t *testing.T) {
	t.Parallel()

	const wait = 80 * time.Millisecond
	var observed []time.Duration
	g := throttle.New(throttle.WithOnWait(func(_ string, d time.Duration) {
		observed = append(observed, d)
	}))

	calls := 0
	var failedAt, retriedAt time.Time
	err := g.Do(context.Background(), "user:1", func(context.Context) error {
		calls++
		if calls == 1 {
			failedAt = time.Now()
			return waitErr{wait: wait}
		}
		retriedAt = time.Now()
		return nil
	})

	require.NoError(t, err, "ожидание ниже потолка прозрачно для вызывающего")
	require.Equal(t, 2, calls)
	require.Equal(t, []time.Duration{wait}, observed)
	delay := retriedAt.Sub(failedAt)
	require.GreaterOrEqual(t, delay, wait)
	require.Less(t, delay, wait+60*time.Millisecond)
}

func TestGovernorCeiling(t *testing.T) {
	t.Parallel()

	g := throttle.New(throttle.WithCeiling(time.Second))
	calls := 0
	start := time.Now()
	err := g.Do(context.Background(), "bot:1", func(context.Context) error {
		calls++
		return waitErr{wait: time.Hour}
	})

	require.ErrorIs(t, err, throttle.ErrRateLimitExceeded)
	require.Equal(t, 1, calls, "вызов не повторяется")
	require.Less(t, time.Since(start), 100*time.Millisecond, "не ждём час")
}

func TestGovernorRepeatedWaitsBelowCeiling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		waits int
	}{
		{name: "single wait", waits: 1},
		{name: "six waits in a row", waits: 6},
		{name: "long series", waits: 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var observed int
			g := throttle.New(
				throttle.WithCeiling(time.Minute),
				throttle.WithOnWait(func(string, time.Duration) { observed++ }),
			)
			calls := 0
			err := g.Do(context.Background(), "bot", func(context.Context) error {
				calls++
				if calls <= tt.waits {
					return waitErr{wait: time.Millisecond}
				}
				return nil
			})

			require.NoError(t, err, "короткие ожидания подряд не превращаются в ошибку")
			require.Equal(t, tt.waits+1, calls)
			require.Equal(t, tt.waits, observed)
		})
	}
}

func TestGovernorPassesThroughOtherErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	g := throttle.New()
	calls := 0
	err := g.Do(context.Background(), "user:1", func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestGovernorLanesAreIndependent(t *testing.T) {
	t.Parallel()

	g := throttle.New(throttle.WithMinInterval(time.Minute))
	ctx := context.Background()

	// Первый вызов каждой полосы проходит сразу, несмотря на минутный интервал.
	start := time.Now()
	require.NoError(t, g.Do(ctx, "user:1", func(context.Context) error { return nil }))
	require.NoError(t, g.Do(ctx, "user:2", func(context.Context) error { return nil }))
	require.Less(t, time.Since(start), 100*time.Millisecond)

	// Второй вызов в той же полосе упирается в интервал и прерывается отменой контекста.
	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := g.Do(short, "user:1", func(context.Context) error { return nil })
	require.Error(t, err)

	require.True(t, g.Forget("user:1"))
	require.NoError(t, g.Do(ctx, "user:1", func(context.Context) error { return nil }))
}

func TestGovernorForgetKeepsBusyLane(t *testing.T) {
	t.Parallel()

	g := throttle.New()
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu       sync.Mutex
		inFlight int
		overlap  bool
		wg       sync.WaitGroup
	)
	call := func(block bool) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			inFlight++
			if inFlight > 1 {
				overlap = true
			}
			mu.Unlock()
			if block {
				close(entered)
				<-release
			}
			mu.Lock()
			inFlight--
			mu.Unlock()
			return nil
		}
	}

	wg.Go(func() {
		assert.NoError(t, g.Do(ctx, "user:1", call(true)))
	})
	<-entered

	require.False(t, g.Forget("user:1"), "занятая полоса не удаляется")

	done := make(chan struct{})
	wg.Go(func() {
		defer close(done)
		assert.NoError(t, g.Do(ctx, "user:1", call(false)))
	})
	select {
	case <-done:
		t.Fatal("второй вызов прошёл, пока первый держит полосу")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	wg.Wait()
	require.False(t, overlap)
	require.True(t, g.Forget("user:1"))
	require.True(t, g.Forget("user:missing"))
}

func TestGovernorCancelDuringServerWait(t *testing.T) {
	t.Parallel()

	g := throttle.New()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := g.Do(ctx, "user:1", func(context.Context) error {
		return waitErr{wait: time.Minute}
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
