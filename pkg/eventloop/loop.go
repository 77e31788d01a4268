// Package eventloop drives second-stage init: one action executes to
// completion at a time, interleaved with signal handling. Signals are
// delivered through a buffered channel (the runtime's analogue of a
// self-pipe); no work happens in signal context.
package eventloop

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minimal-systems/sysboot/pkg/actions"
	"github.com/minimal-systems/sysboot/pkg/logging"
	"github.com/minimal-systems/sysboot/pkg/properties"
	"github.com/minimal-systems/sysboot/pkg/service"
	"github.com/minimal-systems/sysboot/pkg/shutdown"
)

// Loop is the central event coordinator of the second stage.
type Loop struct {
	actions    *actions.Manager
	supervisor *service.Supervisor
	store      *properties.Store
	logger     *logging.Logger

	sigCh      chan os.Signal
	wakeCh     chan struct{}
	restartCh  chan string
	shutdownCh chan shutdown.Type

	shutdownInitiated bool
	shutdownType      shutdown.Type
	isPID1            bool
	completedMarked   bool
}

// New creates an event loop over the given action queue and supervisor.
func New(am *actions.Manager, sup *service.Supervisor, store *properties.Store, logger *logging.Logger) *Loop {
	l := &Loop{
		actions:    am,
		supervisor: sup,
		store:      store,
		logger:     logger,
		wakeCh:     make(chan struct{}, 1),
		restartCh:  make(chan string, 16),
		shutdownCh: make(chan shutdown.Type, 1),
	}
	am.OnQueueChanged = l.Wake
	sup.OnRestartDue = l.armRestart
	return l
}

// SetPID1Mode enables pid-1 behavior: SIGINT requests a reboot instead of
// a halt. Children are reaped in either mode.
func (l *Loop) SetPID1Mode(v bool) {
	l.isPID1 = v
}

// ShutdownType returns the shutdown target requested before Run returned.
func (l *Loop) ShutdownType() shutdown.Type {
	return l.shutdownType
}

// Wake nudges the loop after an enqueue from outside the loop goroutine.
func (l *Loop) Wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

// RequestShutdown asks the loop to stop all services and exit. Safe to
// call from any goroutine; the critical-storm path uses it.
func (l *Loop) RequestShutdown(t shutdown.Type) {
	select {
	case l.shutdownCh <- t:
	default:
	}
	l.Wake()
}

// armRestart schedules a service restart after the backoff delay.
func (l *Loop) armRestart(name string, delay time.Duration) {
	if delay <= 0 {
		select {
		case l.restartCh <- name:
		default:
			l.logger.Error("restart queue full, dropping restart of %s", name)
		}
		return
	}
	time.AfterFunc(delay, func() {
		select {
		case l.restartCh <- name:
		default:
			l.logger.Error("restart queue full, dropping restart of %s", name)
		}
	})
}

// Run executes queued actions until a shutdown is requested and all
// services have stopped, or the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.sigCh = make(chan os.Signal, 8)
	signal.Notify(l.sigCh,
		syscall.SIGCHLD,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGHUP,
	)
	defer signal.Stop(l.sigCh)

	l.logger.Info("event loop started (PID %d)", os.Getpid())

	for {
		// Drain anything pending without blocking between actions.
		l.drainSignals()
		l.drainRestarts()

		if l.shutdownInitiated {
			l.logger.Notice("stopping all services for %s", l.shutdownType)
			l.supervisor.StopAll(service.DefaultStopTimeout)
			l.logger.Info("all services stopped, exiting loop")
			return nil
		}

		if l.actions.ExecuteNext() {
			continue
		}

		// Queue idle: the first full drain marks boot completion.
		l.markCompleted()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-l.sigCh:
			l.handleSignal(sig)
		case <-l.wakeCh:
		case name := <-l.restartCh:
			l.queueRestart(name)
		case t := <-l.shutdownCh:
			l.initiateShutdown(t)
		}
	}
}

// drainSignals handles every signal already delivered, without blocking.
func (l *Loop) drainSignals() {
	for {
		select {
		case sig := <-l.sigCh:
			l.handleSignal(sig)
		case t := <-l.shutdownCh:
			l.initiateShutdown(t)
		default:
			return
		}
	}
}

func (l *Loop) drainRestarts() {
	for {
		select {
		case name := <-l.restartCh:
			l.queueRestart(name)
		default:
			return
		}
	}
}

// queueRestart funnels a due restart through the action queue so it runs
// in order with everything else.
func (l *Loop) queueRestart(name string) {
	l.actions.QueueBuiltin(func() {
		if err := l.supervisor.RestartNow(name); err != nil {
			l.logger.Warn("restart %s: %v", name, err)
		}
	}, "restart "+name)
}

func (l *Loop) handleSignal(sig os.Signal) {
	sysSignal, ok := sig.(syscall.Signal)
	if !ok {
		return
	}

	switch sysSignal {
	case syscall.SIGCHLD:
		l.reapChildren()

	case syscall.SIGTERM:
		l.logger.Notice("received SIGTERM, initiating shutdown")
		l.initiateShutdown(shutdown.Poweroff)

	case syscall.SIGINT:
		if l.isPID1 {
			// Ctrl+Alt+Del arrives as SIGINT on pid 1.
			l.logger.Notice("received SIGINT (PID 1), initiating reboot")
			l.initiateShutdown(shutdown.Reboot)
		} else {
			l.logger.Notice("received SIGINT, initiating shutdown")
			l.initiateShutdown(shutdown.Halt)
		}

	case syscall.SIGHUP:
		l.logger.Notice("received SIGHUP, ignoring")
	}
}

// reapChildren collects every exited child and routes supervised ones into
// the restart machinery. Orphans reparented to pid 1 are discarded.
func (l *Loop) reapChildren() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
		l.supervisor.OnChildExit(pid, status)
	}
}

func (l *Loop) initiateShutdown(t shutdown.Type) {
	if l.shutdownInitiated {
		return
	}
	l.shutdownInitiated = true
	l.shutdownType = t
}

// markCompleted publishes init.completed once the queue first runs dry.
func (l *Loop) markCompleted() {
	if l.completedMarked || l.store == nil {
		return
	}
	l.completedMarked = true
	l.store.SetInternal(properties.PropInitCompleted, "true")
	l.logger.Notice("boot completed")
}
