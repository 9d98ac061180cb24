package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_FalseOnlyForUnresponsiveAndDead(t *testing.T) {
	cases := map[State]bool{
		StateUnknown:      true,
		StatePending:      true,
		StateOk:           true,
		StateUnresponsive: false,
		StateDead:         false,
	}
	for s, want := range cases {
		r := NewRecord(nil)
		r.SetState(s)
		assert.Equal(t, want, r.Check(), "state %s", s)
	}
}

func TestCheck_IgnoresDeadline(t *testing.T) {
	r := NewRecord(nil)
	r.SetState(StateOk)
	r.SetTimeout(time.Now().Add(-time.Hour))
	assert.True(t, r.Check())
}

func TestSetPid_OnceOnly(t *testing.T) {
	r := NewRecord(nil)
	require.NoError(t, r.SetPid(42))
	require.NoError(t, r.SetPid(42), "same value is a no-op")

	err := r.SetPid(43)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPidAlreadySet))
	assert.Equal(t, int32(42), r.Pid())
}

func TestSetPid_RejectsNonPositive(t *testing.T) {
	r := NewRecord(nil)
	assert.Error(t, r.SetPid(0))
	assert.Error(t, r.SetPid(-1))
	assert.Equal(t, int32(0), r.Pid())
}

func TestWaitForPid_ReturnsReportedPid(t *testing.T) {
	r := NewRecord(nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = r.SetPid(1234)
	}()
	pid, err := r.WaitForPid(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(1234), pid)
}

func TestWaitForPid_Timeout(t *testing.T) {
	r := NewRecord(nil)
	start := time.Now()
	_, err := r.WaitForPid(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSpawnTimeout))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForPid_ContextCauseIsKept(t *testing.T) {
	r := NewRecord(nil)
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(errors.New("worker exited"))
	_, err := r.WaitForPid(ctx, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSpawnTimeout))
	assert.Contains(t, err.Error(), "worker exited")
}

func TestRenew_NeverOverwritesDead(t *testing.T) {
	r := NewRecord(nil)
	d := time.Now().Add(time.Second)
	assert.True(t, r.Renew(StatePending, d))
	assert.Equal(t, StatePending, r.State())

	r.SetState(StateDead)
	assert.False(t, r.Renew(StatePending, d.Add(time.Second)))
	assert.Equal(t, StateDead, r.State())
	assert.Equal(t, d, r.Deadline(), "deadline untouched once dead")
}

func TestRenew_OnlyExtendsDeadline(t *testing.T) {
	r := NewRecord(nil)
	later := time.Now().Add(time.Minute)
	r.SetTimeout(later)
	assert.True(t, r.Renew(StatePending, time.Now()))
	assert.Equal(t, later, r.Deadline())
}

func TestExpire(t *testing.T) {
	now := time.Now()
	r := NewRecord(nil)
	r.SetState(StateOk)
	assert.False(t, r.Expire(now, 0), "zero deadline never expires")

	r.SetTimeout(now)
	assert.False(t, r.Expire(now.Add(500*time.Millisecond), time.Second), "within grace")
	assert.True(t, r.Expire(now.Add(2*time.Second), time.Second))
	assert.Equal(t, StateUnresponsive, r.State())
	assert.False(t, r.Expire(now.Add(3*time.Second), time.Second), "already demoted")

	r.SetState(StateDead)
	assert.False(t, r.Expire(now.Add(time.Hour), 0))
	assert.Equal(t, StateDead, r.State())
}

func TestSnapshot_ConsistentUnderConcurrency(t *testing.T) {
	r := NewRecord(nil)
	base := time.Unix(1_700_000_000, 0)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			r.SetState(StateOk)
			r.SetTimeout(base.Add(time.Duration(i) * time.Second))
		}
	}()
	for i := 0; i < 1000; i++ {
		s := r.Snapshot()
		assert.True(t, s.State == StateUnknown || s.State == StateOk)
	}
	close(stop)
	wg.Wait()
}

func TestStateText(t *testing.T) {
	b, err := StateUnresponsive.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "unresponsive", string(b))

	var s State
	require.NoError(t, s.UnmarshalText([]byte("DEAD")))
	assert.Equal(t, StateDead, s)
	assert.Error(t, s.UnmarshalText([]byte("zombie")))
}
