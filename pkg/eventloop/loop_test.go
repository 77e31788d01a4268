package eventloop

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/minimal-systems/sysboot/pkg/actions"
	"github.com/minimal-systems/sysboot/pkg/logging"
	"github.com/minimal-systems/sysboot/pkg/properties"
	"github.com/minimal-systems/sysboot/pkg/rcfile"
	"github.com/minimal-systems/sysboot/pkg/service"
	"github.com/minimal-systems/sysboot/pkg/shutdown"
)

func TestMain(m *testing.M) {
	// The signal watcher goroutine started by signal.Notify lives for the
	// whole process.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("os/signal.signal_recv"),
		goleak.IgnoreTopFunction("os/signal.loop"),
	)
}

// harness wires a store, action manager, supervisor and loop the way the
// orchestrator does, with process launches faked.
func newHarness(t *testing.T) (*Loop, *actions.Manager, *properties.Store, *service.Supervisor) {
	t.Helper()
	logger := logging.New(logging.LevelError)
	store := properties.NewStore(logger)
	am := actions.NewManager(store, logger)
	sup := service.NewSupervisor(store, logger)
	nextPID := 2000
	sup.StartProcess = func(def *service.Definition) (int, error) {
		nextPID++
		return nextPID, nil
	}
	am.Supervisor = sup
	loop := New(am, sup, store, logger)
	store.Subscribe(am.QueuePropertyChange)
	return loop, am, store, sup
}

// parseInto feeds rc text into the manager and supervisor registries.
func parseInto(t *testing.T, am *actions.Manager, sup *service.Supervisor, store *properties.Store, input string) {
	t.Helper()
	p := rcfile.NewParser(store, logging.New(logging.LevelError))
	p.RegisterBlock = am.RegisterBlock
	p.RegisterService = sup.Register
	require.NoError(t, p.Parse(strings.NewReader(input), "test.rc"))
}

func TestRunDrainsQueueAndMarksCompletion(t *testing.T) {
	loop, am, store, sup := newHarness(t)
	parseInto(t, am, sup, store, `
on early-init
    setprop stage.1 done
on init
    setprop stage.2 done
on boot
    setprop stage.3 done
`)
	am.QueueEvent("early-init")
	am.QueueEvent("init")
	am.QueueEvent("late-init")
	am.QueueEvent("boot")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		return store.Get(properties.PropInitCompleted, "") == "true"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, "done", store.Get("stage.1", ""))
	assert.Equal(t, "done", store.Get("stage.2", ""))
	assert.Equal(t, "done", store.Get("stage.3", ""))
	assert.Equal(t, "", store.Get("stage.4", ""))
}

func TestSetpropCascadesIntoPropertyTrigger(t *testing.T) {
	loop, am, store, sup := newHarness(t)
	parseInto(t, am, sup, store, `
on property:sys.test=ready
    setprop sys.echoed yes
`)
	assert.Equal(t, "", store.Get("sys.echoed", ""))

	require.NoError(t, store.Set("sys.test", "ready"))
	require.Equal(t, 1, am.Pending())
	assert.True(t, am.ExecuteNext())

	assert.Equal(t, "yes", store.Get("sys.echoed", ""))
	_ = loop
}

func TestRequestShutdownExitsLoop(t *testing.T) {
	loop, _, _, _ := newHarness(t)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	loop.RequestShutdown(shutdown.Bootloader)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after shutdown request")
	}
	assert.Equal(t, shutdown.Bootloader, loop.ShutdownType())
}

// TestOneshotServiceReaped exercises a real fork/exec: the child exits
// immediately, SIGCHLD drives the reaper, and the status property settles
// at stopped.
func TestOneshotServiceReaped(t *testing.T) {
	logger := logging.New(logging.LevelError)
	store := properties.NewStore(logger)
	am := actions.NewManager(store, logger)
	sup := service.NewSupervisor(store, logger)
	am.Supervisor = sup
	loop := New(am, sup, store, logger)
	store.Subscribe(am.QueuePropertyChange)

	def := service.NewDefinition("true-once", "/bin/sh", []string{"-c", "exit 0"})
	def.Oneshot = true
	require.NoError(t, sup.Register(def))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	am.QueueBuiltin(func() {
		if err := sup.Start("true-once"); err != nil {
			t.Errorf("start: %v", err)
		}
	}, "start true-once")
	loop.Wake()

	require.Eventually(t, func() bool {
		inst := sup.Lookup("true-once")
		return inst != nil && inst.HasExit && inst.State == service.StateStopped
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "stopped", store.Get("init.svc.true-once", ""))

	cancel()
	<-done
}

func TestServiceStatusFollowsStartCommand(t *testing.T) {
	loop, am, store, sup := newHarness(t)
	parseInto(t, am, sup, store, `
service echo /bin/sleep 3600
    user nobody
    disabled
on boot
    start echo
`)
	assert.Equal(t, "disabled", store.Get("init.svc.echo", ""))

	am.QueueEvent("boot")
	require.True(t, am.ExecuteNext())

	assert.Equal(t, "running", store.Get("init.svc.echo", ""))
	assert.NotZero(t, sup.Lookup("echo").PID)
	_ = loop
}
