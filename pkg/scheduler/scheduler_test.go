package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/campaignbilling/pkg/logger"
	"github.com/dmitrymomot/campaignbilling/pkg/scheduler"
)

func TestDailyAt(t *testing.T) {
	t.Parallel()

	taipei := time.FixedZone("Asia/Taipei", 8*3600)
	sched := scheduler.DailyAt(9, 30, taipei)

	t.Run("later today", func(t *testing.T) {
		t.Parallel()
		from := time.Date(2025, 3, 10, 8, 0, 0, 0, taipei)
		assert.Equal(t, time.Date(2025, 3, 10, 9, 30, 0, 0, taipei), sched.Next(from))
	})

	t.Run("exactly at run time moves to tomorrow", func(t *testing.T) {
		t.Parallel()
		from := time.Date(2025, 3, 10, 9, 30, 0, 0, taipei)
		assert.Equal(t, time.Date(2025, 3, 11, 9, 30, 0, 0, taipei), sched.Next(from))
	})

	t.Run("converts from other zones", func(t *testing.T) {
		t.Parallel()
		from := time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC) // 10:00 in Taipei
		assert.True(t, sched.Next(from).Equal(time.Date(2025, 3, 11, 9, 30, 0, 0, taipei)))
	})

	t.Run("default location is utc", func(t *testing.T) {
		t.Parallel()
		assert.Contains(t, scheduler.DailyAt(0, 5, nil).String(), "00:05 UTC")
	})
}

func TestScheduler_Add(t *testing.T) {
	t.Parallel()

	s := scheduler.New(scheduler.WithLogger(logger.Nop()))
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add("expire", scheduler.Every(time.Hour), noop))
	assert.ErrorIs(t, s.Add("expire", scheduler.Every(time.Hour), noop), scheduler.ErrDuplicateJob)
	assert.ErrorIs(t, s.Add("", scheduler.Every(time.Hour), noop), scheduler.ErrInvalidJob)
	assert.ErrorIs(t, s.Add("x", nil, noop), scheduler.ErrInvalidJob)
	assert.ErrorIs(t, s.Add("x", scheduler.Every(time.Hour), nil), scheduler.ErrInvalidJob)
	require.NoError(t, s.Add("dunning", scheduler.Every(time.Hour), noop))
	assert.Equal(t, []string{"dunning", "expire"}, s.Jobs())
}

func TestScheduler_RunIsolatesFailures(t *testing.T) {
	t.Parallel()

	var healthy atomic.Int32
	var mu sync.Mutex
	results := map[string][]error{}

	s := scheduler.New(
		scheduler.WithLogger(logger.Nop()),
		scheduler.WithCheckInterval(5*time.Millisecond),
		scheduler.WithResultHook(func(job string, err error, _ time.Duration) {
			mu.Lock()
			results[job] = append(results[job], err)
			mu.Unlock()
		}),
	)
	require.NoError(t, s.Add("failing", scheduler.Every(10*time.Millisecond), func(context.Context) error {
		return errors.New("db unavailable")
	}))
	require.NoError(t, s.Add("panicking", scheduler.Every(10*time.Millisecond), func(context.Context) error {
		panic("nil map")
	}))
	require.NoError(t, s.Add("healthy", scheduler.Every(10*time.Millisecond), func(context.Context) error {
		healthy.Add(1)
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.GreaterOrEqual(t, healthy.Load(), int32(2))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, results["panicking"])
	assert.ErrorIs(t, results["panicking"][0], scheduler.ErrJobPanicked)
	require.GreaterOrEqual(t, len(results["failing"]), 2)
	assert.EqualError(t, results["failing"][1], "db unavailable")
}

type lockerMock struct {
	mock.Mock
}

func (m *lockerMock) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	args := m.Called(ctx, name, ttl)
	return func() { m.MethodCalled("release", name) }, args.Bool(0), args.Error(1)
}

func TestScheduler_RunNow(t *testing.T) {
	t.Parallel()

	t.Run("unknown job", func(t *testing.T) {
		t.Parallel()
		s := scheduler.New(scheduler.WithLogger(logger.Nop()))
		assert.ErrorIs(t, s.RunNow(context.Background(), "nope"), scheduler.ErrUnknownJob)
	})

	t.Run("runs under lock", func(t *testing.T) {
		t.Parallel()
		locker := &lockerMock{}
		locker.On("Acquire", mock.Anything, "expire", time.Minute).Return(true, nil).Once()
		locker.On("release", "expire").Return().Once()

		s := scheduler.New(scheduler.WithLogger(logger.Nop()), scheduler.WithLocker(locker, time.Minute))
		ran := false
		require.NoError(t, s.Add("expire", scheduler.Every(time.Hour), func(context.Context) error {
			ran = true
			return nil
		}))

		require.NoError(t, s.RunNow(context.Background(), "expire"))
		assert.True(t, ran)
		locker.AssertExpectations(t)
	})

	t.Run("skips when lock held elsewhere", func(t *testing.T) {
		t.Parallel()
		locker := &lockerMock{}
		locker.On("Acquire", mock.Anything, "expire", time.Minute).Return(false, nil).Once()

		s := scheduler.New(scheduler.WithLogger(logger.Nop()), scheduler.WithLocker(locker, time.Minute))
		require.NoError(t, s.Add("expire", scheduler.Every(time.Hour), func(context.Context) error {
			t.Fatal("job must not run")
			return nil
		}))

		assert.ErrorIs(t, s.RunNow(context.Background(), "expire"), scheduler.ErrLockHeld)
		locker.AssertExpectations(t)
	})
}
