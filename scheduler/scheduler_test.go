package scheduler

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

func noopJob(ctx context.Context) error { return nil }

func TestRegisterValidation(t *testing.T) {
	s := New(nil)

	id, err := s.RegisterSchedule("nav-snapshot", Schedule{CronExpression: "0 0 * * *"}, noopJob)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = s.RegisterSchedule("bad", Schedule{CronExpression: "not a cron"}, noopJob)
	assert.ErrorIs(t, err, ErrBadExpression)

	// 6-field expressions are rejected, the parser is 5-field standard
	_, err = s.RegisterSchedule("bad", Schedule{CronExpression: "0 0 0 * * *"}, noopJob)
	assert.ErrorIs(t, err, ErrBadExpression)

	_, err = s.RegisterSchedule("bad", Schedule{CronExpression: "0 0 * * *", Timezone: "Mars/Olympus"}, noopJob)
	assert.ErrorIs(t, err, ErrBadExpression)

	_, err = s.RegisterSchedule("tz", Schedule{CronExpression: "0 6 * * *", Timezone: "America/New_York"}, noopJob)
	assert.NoError(t, err)
}

func TestUnregister(t *testing.T) {
	s := New(nil)

	id1, err := s.RegisterSchedule("token-list", Schedule{CronExpression: "17 3 * * *"}, noopJob)
	require.NoError(t, err)
	_, err = s.RegisterSchedule("token-list", Schedule{CronExpression: "0 9 * * 1"}, noopJob)
	require.NoError(t, err)
	_, err = s.RegisterSchedule("nav-snapshot", Schedule{CronExpression: "0 0 * * *"}, noopJob)
	require.NoError(t, err)

	require.Len(t, s.Tasks(), 3)

	s.UnregisterSchedule(id1)
	s.UnregisterSchedule(id1) // idempotent
	s.UnregisterSchedule("no-such-id")
	require.Len(t, s.Tasks(), 2)

	s.UnregisterAllForRule("token-list")
	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "nav-snapshot", tasks[0].RuleName)
}

func TestRunOnStart(t *testing.T) {
	s := New(nil)
	defer s.Shutdown(context.Background())

	var runs atomic.Int32
	_, err := s.RegisterSchedule("token-list", Schedule{CronExpression: "17 3 * * *", RunOnStart: true}, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)

	// not started yet, nothing runs
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())

	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	// registering with RunOnStart after Start also fires once
	_, err = s.RegisterSchedule("nav-snapshot", Schedule{CronExpression: "0 0 * * *", RunOnStart: true}, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
}

func TestOverlapGuard(t *testing.T) {
	s := New(nil)

	block := make(chan struct{})
	var runs atomic.Int32
	var wg sync.WaitGroup

	tk := &task{id: "t", ruleName: "slow", fn: func(ctx context.Context) error {
		runs.Add(1)
		<-block
		return nil
	}}

	wg.Add(2)
	go func() { defer wg.Done(); s.runTask(tk) }()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	// second tick while the first still runs is skipped
	go func() { defer wg.Done(); s.runTask(tk) }()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	close(block)
	wg.Wait()

	tk.mu.Lock()
	assert.Equal(t, uint64(1), tk.count)
	tk.mu.Unlock()
}

func TestTaskBookkeeping(t *testing.T) {
	s := New(nil)

	boom := errors.New("rule: upstream unavailable")
	tk := &task{id: "t", ruleName: "nav-snapshot", fn: func(ctx context.Context) error { return boom }}
	s.runTask(tk)

	tk.mu.Lock()
	assert.Equal(t, uint64(1), tk.count)
	assert.Equal(t, boom.Error(), tk.lastErr)
	require.NotNil(t, tk.lastRun)
	tk.mu.Unlock()

	// a later clean run clears the error
	tk.fn = noopJob
	s.runTask(tk)
	tk.mu.Lock()
	assert.Equal(t, uint64(2), tk.count)
	assert.Empty(t, tk.lastErr)
	tk.mu.Unlock()
}

func TestRegisterAfterShutdown(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Shutdown(context.Background()))

	_, err := s.RegisterSchedule("late", Schedule{CronExpression: "0 0 * * *"}, noopJob)
	assert.ErrorIs(t, err, ErrStopped)
}
