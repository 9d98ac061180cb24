package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/supervisr/internal/health"
	"github.com/loykin/supervisr/internal/monitor"
	"github.com/loykin/supervisr/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProc struct {
	pid        int
	terminates atomic.Int32
	done       chan struct{}
	once       sync.Once
	delay      time.Duration
}

func newFakeProc(pid int) *fakeProc { return &fakeProc{pid: pid, done: make(chan struct{})} }

func (f *fakeProc) Pid() int              { return f.pid }
func (f *fakeProc) Done() <-chan struct{} { return f.done }
func (f *fakeProc) ExitErr() error        { return nil }
func (f *fakeProc) Terminate(time.Duration, time.Duration) bool {
	f.terminates.Add(1)
	time.Sleep(f.delay)
	f.once.Do(func() { close(f.done) })
	return true
}

func alwaysSame(int, int64) bool { return true }

func newTestController(t *testing.T, proc Proc) *Controller {
	t.Helper()
	return New(NewPpa(PpaData{MID: "m1"}), health.NewRecord(nil), proc, Options{SameProcess: alwaysSame})
}

func TestStop_NoopBeforeConfirm(t *testing.T) {
	p := newFakeProc(100)
	c := newTestController(t, p)
	c.Stop()
	assert.Equal(t, Active, c.Lifecycle())
	assert.Equal(t, int32(0), p.terminates.Load())
	c.Release()
	assert.Equal(t, int32(1), p.terminates.Load(), "teardown kills an unconfirmed process")
	assert.Equal(t, Stopped, c.Lifecycle())
}

func TestStop_IdempotentAcrossCallers(t *testing.T) {
	p := newFakeProc(101)
	p.delay = 50 * time.Millisecond
	c := newTestController(t, p)
	hb := monitor.NewHeartbeat(context.Background(), c.Record(), time.Minute)
	c.Attach(hb)
	require.NoError(t, c.Confirm(101, 0))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Stop()
			// Every caller returns only after the stop completed.
			assert.Equal(t, Stopped, c.Lifecycle())
		}()
	}
	wg.Wait()
	c.Stop()

	assert.Equal(t, int32(1), p.terminates.Load())
	assert.Equal(t, int32(-1), c.Pid())
	assert.Equal(t, Stopped, c.Lifecycle())
	assert.True(t, monitor.Wait(hb, time.Second), "monitors cancelled")
	c.Release()
}

func TestConfirm_Once(t *testing.T) {
	c := newTestController(t, newFakeProc(5))
	assert.Error(t, c.Confirm(0, 0))
	require.NoError(t, c.Confirm(5, 123))
	assert.Equal(t, int32(5), c.Pid())
	assert.Equal(t, int64(123), c.StartUnix())
	assert.Error(t, c.Confirm(6, 0))
	c.Release()
	assert.Error(t, c.Confirm(7, 0), "no confirmation after teardown")
}

func TestRelease_TeardownOnLastShare(t *testing.T) {
	p := newFakeProc(200)
	c := newTestController(t, p)
	require.NoError(t, c.Confirm(200, 0))
	require.True(t, c.Acquire())
	require.True(t, c.Acquire())
	assert.Equal(t, int32(3), c.Refs())

	c.Release()
	c.Release()
	assert.Equal(t, Active, c.Lifecycle(), "a share is still held")
	assert.False(t, c.TornDown())

	c.Release()
	assert.True(t, c.TornDown())
	assert.Equal(t, Stopped, c.Lifecycle())
	assert.Equal(t, int32(1), p.terminates.Load())
	assert.False(t, c.Acquire(), "no resurrection after teardown")

	c.Release() // extra release is logged and ignored
	assert.Equal(t, int32(1), p.terminates.Load())
}

func TestAttach_AfterStopCancels(t *testing.T) {
	c := newTestController(t, newFakeProc(300))
	require.NoError(t, c.Confirm(300, 0))
	c.Stop()
	hb := monitor.NewHeartbeat(context.Background(), c.Record(), time.Minute)
	c.Attach(hb)
	assert.True(t, monitor.Wait(hb, time.Second))
	assert.Equal(t, health.StateUnknown, c.Record().State(), "late heartbeat never ran")
	c.Release()
}

func TestStale(t *testing.T) {
	same := true
	c := New(NewDarkcal(CalData{SID: "s"}), health.NewRecord(nil), newFakeProc(400), Options{
		SameProcess: func(int, int64) bool { return same },
	})
	assert.False(t, c.Stale(), "unconfirmed is not stale")
	require.NoError(t, c.Confirm(400, 1))
	assert.False(t, c.Stale())
	same = false
	assert.True(t, c.Stale(), "pid reused by another process")
	same = true
	c.Stop()
	assert.True(t, c.Stale())
	c.Release()
}

func TestStale_ReapedLauncher(t *testing.T) {
	p := newFakeProc(410)
	c := New(NewDarkcal(CalData{SID: "s"}), health.NewRecord(nil), p, Options{SameProcess: alwaysSame})
	require.NoError(t, c.Confirm(410, 1))
	assert.False(t, c.Stale())

	p.once.Do(func() { close(p.done) })
	assert.True(t, c.Stale(), "a reaped pid is stale even when the start time matches")
	c.Release()
}

func TestStale_ReportedPidIgnoresLauncherExit(t *testing.T) {
	p := newFakeProc(420)
	c := newTestController(t, p)
	require.NoError(t, c.Confirm(421, 1))

	p.once.Do(func() { close(p.done) })
	assert.False(t, c.Stale(), "the reported worker outlives its launcher")
	c.Release()
}

func TestCheck_DelegatesToRecord(t *testing.T) {
	c := newTestController(t, newFakeProc(1))
	c.Record().SetState(health.StateOk)
	assert.True(t, c.Check())
	c.Record().SetState(health.StateUnresponsive)
	assert.False(t, c.Check())
	info := c.Info()
	assert.Equal(t, KindPpa, info.Kind)
	assert.Equal(t, "m1", info.Key)
	assert.False(t, info.Healthy)
	c.Release()
}

func TestStop_RealProcessGroup(t *testing.T) {
	p := process.New(process.Spec{Name: "sleeper", Command: "sleep 30"})
	_, err := p.Start()
	require.NoError(t, err)

	c := New(NewStandard(StandardData{Name: "sleeper"}), health.NewRecord(nil), p, Options{
		StopGrace: time.Second, KillWait: time.Second,
	})
	require.NoError(t, c.Confirm(int32(p.Pid()), process.StartTime(p.Pid())))
	assert.False(t, c.Stale())

	c.Stop()
	assert.True(t, p.Exited())
	assert.True(t, c.Stale())
	c.Release()
}
