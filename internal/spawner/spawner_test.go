package spawner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loykin/supervisr/internal/controller"
	"github.com/loykin/supervisr/internal/health"
	"github.com/loykin/supervisr/internal/process"
	"github.com/loykin/supervisr/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testSpawner() *Spawner {
	return New(Options{
		PidTimeout:        2 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		DrainTimeout:      200 * time.Millisecond,
		MaxBadReports:     3,
		Controller:        controller.Options{StopGrace: time.Second, KillWait: time.Second},
	})
}

// reportingWorker prints the handshake with its own shell pid, then a status line, then idles.
const reportingWorker = `sh -c 'echo "{\"pid\":$$,\"status\":\"INITIALIZING\",\"next_report_s\":1}"; echo "{\"status\":\"RUNNING\",\"next_report_s\":5}"; exec sleep 30'`

func TestSpawn_Basecaller(t *testing.T) {
	s := testSpawner()
	c, err := s.Spawn(context.Background(), Launch{Command: reportingWorker},
		controller.NewBasecaller(controller.BasecallerData{SID: "s1"}))
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Greater(t, c.Pid(), int32(0))
	assert.Equal(t, controller.Active, c.Lifecycle())
	assert.True(t, c.Check())
	assert.True(t, process.PidAlive(int(c.Pid())))
	assert.False(t, c.Stale())

	require.Eventually(t, func() bool { return c.Record().State() == health.StateOk }, 2*time.Second, 10*time.Millisecond)

	pid := c.Pid()
	c.Release()
	assert.Equal(t, controller.Stopped, c.Lifecycle())
	assert.Eventually(t, func() bool { return !process.PidAlive(int(pid)) }, 2*time.Second, 10*time.Millisecond)
}

func TestSpawn_HandshakeTimeout(t *testing.T) {
	s := New(Options{PidTimeout: 150 * time.Millisecond, Controller: controller.Options{StopGrace: 500 * time.Millisecond, KillWait: time.Second}})
	r := registry.New()
	c, err := s.Spawn(context.Background(), Launch{Command: "sleep 30"},
		controller.NewPpa(controller.PpaData{MID: "silent"}))
	require.Error(t, err)
	assert.Nil(t, c)
	assert.True(t, errors.Is(err, health.ErrSpawnTimeout))
	assert.Equal(t, 0, r.Len(), "nothing registered for a failed spawn")
}

func TestSpawn_WorkerExitsBeforeHandshake(t *testing.T) {
	s := testSpawner()
	start := time.Now()
	_, err := s.Spawn(context.Background(), Launch{Command: "sh -c 'echo not-json; exit 3'"},
		controller.NewPpa(controller.PpaData{MID: "crash"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, health.ErrSpawnTimeout))
	assert.Contains(t, err.Error(), "worker exited")
	assert.Less(t, time.Since(start), time.Second, "does not wait for the full timeout")
}

func TestSpawn_ContextCancelled(t *testing.T) {
	s := testSpawner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Spawn(ctx, Launch{Command: "sleep 30"}, controller.NewPpa(controller.PpaData{MID: "x"}))
	assert.True(t, errors.Is(err, health.ErrSpawnTimeout))
}

func TestSpawn_HeartbeatKind(t *testing.T) {
	s := testSpawner()
	c, err := s.Spawn(context.Background(), Launch{Command: "sleep 30"},
		controller.NewDarkcal(controller.CalData{SID: "s2"}))
	require.NoError(t, err)
	assert.Greater(t, c.Pid(), int32(0))
	assert.Equal(t, health.StatePending, c.Record().State())
	assert.True(t, c.Check())
	c.Release()
}

func TestSpawn_HeartbeatKindExitMarksDead(t *testing.T) {
	s := testSpawner()
	c, err := s.Spawn(context.Background(), Launch{Command: "sh -c 'sleep 0.2'"},
		controller.NewLoadingcal(controller.CalData{SID: "s3"}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Record().State() == health.StateDead }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, c.Check())
	c.Release()
}

func TestSpawn_ReportStreamEndsWithWorker(t *testing.T) {
	s := testSpawner()
	cmd := `sh -c 'echo "{\"pid\":$$,\"status\":\"RUNNING\",\"next_report_s\":5}"; sleep 0.2'`
	c, err := s.Spawn(context.Background(), Launch{Command: cmd}, controller.NewPpa(controller.PpaData{MID: "m2"}))
	require.NoError(t, err)
	assert.True(t, c.Check())
	require.Eventually(t, func() bool { return !c.Check() }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, health.StateDead, c.Record().State())
	c.Release()
}

func TestSpawn_InvalidWorkload(t *testing.T) {
	_, err := testSpawner().Spawn(context.Background(), Launch{Command: "true"}, controller.Workload{Kind: controller.KindPpa})
	assert.ErrorIs(t, err, controller.ErrInvalidWorkload)
}

func TestSpawn_BadCommand(t *testing.T) {
	_, err := testSpawner().Spawn(context.Background(), Launch{Command: "/nonexistent/worker"},
		controller.NewPpa(controller.PpaData{MID: "m"}))
	require.Error(t, err)
	assert.False(t, errors.Is(err, health.ErrSpawnTimeout))
}
