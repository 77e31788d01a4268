package service

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/minimal-systems/sysboot/pkg/logging"
	"github.com/minimal-systems/sysboot/pkg/properties"
)

const (
	// DefaultStopTimeout bounds the SIGTERM-to-SIGKILL wait in Stop.
	DefaultStopTimeout = 5 * time.Second

	// RestartBackoff is the minimum interval between restarts of one service.
	RestartBackoff = 5 * time.Second

	// Critical services that restart more than criticalStormCount times
	// within criticalStormWindow trigger the fatal reboot action.
	criticalStormCount  = 4
	criticalStormWindow = 4 * time.Minute
)

// Instance is the runtime state of one registered service. The supervisor
// exclusively owns instances; other components observe them through the
// init.svc.<name> property mirror.
type Instance struct {
	Def          *Definition
	State        State
	PID          int
	LastStart    time.Time
	RestartCount int
	ExitStatus   syscall.WaitStatus
	HasExit      bool

	stormStart time.Time
	stormCount int
}

// Supervisor launches and tracks declared services.
type Supervisor struct {
	mu        sync.Mutex
	instances map[string]*Instance
	order     []string

	store  *properties.Store
	logger *logging.Logger

	// OnRestartDue is invoked when a service exit schedules a delayed
	// restart; the run loop arms a timer and calls RestartNow when it fires.
	OnRestartDue func(name string, delay time.Duration)

	// OnCriticalStorm is invoked when a critical service exceeds the
	// restart-storm threshold. The orchestrator wires this to a reboot
	// into the bootloader target.
	OnCriticalStorm func(name string)

	// StartProcess launches the built command; swapped out in tests.
	StartProcess func(def *Definition) (int, error)
}

// NewSupervisor creates an empty supervisor bound to a property store.
func NewSupervisor(store *properties.Store, logger *logging.Logger) *Supervisor {
	s := &Supervisor{
		instances: make(map[string]*Instance),
		store:     store,
		logger:    logger,
	}
	s.StartProcess = s.launch
	return s
}

// Register adds a service definition. Duplicate names are rejected; the rc
// parser treats that as a file-level configuration error.
func (s *Supervisor) Register(def *Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[def.Name]; exists {
		return fmt.Errorf("duplicate service %q", def.Name)
	}
	inst := &Instance{Def: def, State: StateStopped}
	if def.Disabled {
		inst.State = StateDisabled
	}
	s.instances[def.Name] = inst
	s.order = append(s.order, def.Name)
	s.mirrorStatus(inst)
	return nil
}

// Lookup returns the instance for a service name, or nil.
func (s *Supervisor) Lookup(name string) *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instances[name]
}

// List returns all instances in registration order.
func (s *Supervisor) List() []*Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Instance, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.instances[name])
	}
	return out
}

// Start launches a service by name. Starting a running service is a no-op.
// An explicit start, including a trigger's start command, launches even a
// disabled service; disabled only makes StartClass skip the service.
func (s *Supervisor) Start(name string) error {
	s.mu.Lock()
	inst, ok := s.instances[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}
	if inst.State == StateRunning || inst.State == StateStarting {
		s.mu.Unlock()
		return nil
	}
	wasDisabled := inst.State == StateDisabled
	inst.State = StateStarting
	s.mu.Unlock()

	if wasDisabled {
		s.logger.Info("explicit start of disabled service '%s'", name)
	}
	return s.startInstance(inst)
}

// Enable clears the disabled state so a later Start can launch the service.
func (s *Supervisor) Enable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	if !ok {
		return fmt.Errorf("service %q not found", name)
	}
	if inst.State == StateDisabled {
		inst.State = StateStopped
		s.mirrorStatus(inst)
	}
	return nil
}

func (s *Supervisor) startInstance(inst *Instance) error {
	pid, err := s.StartProcess(inst.Def)
	if err != nil {
		s.mu.Lock()
		inst.State = StateRestarting
		s.mirrorStatus(inst)
		s.mu.Unlock()
		s.logger.Error("service %s: start failed: %v", inst.Def.Name, err)
		s.scheduleRestart(inst)
		return err
	}

	s.mu.Lock()
	inst.PID = pid
	inst.State = StateRunning
	inst.LastStart = time.Now()
	inst.HasExit = false
	s.mirrorStatus(inst)
	s.mu.Unlock()

	s.applyIOPriority(inst)
	s.logger.Info("started service '%s' with pid %d", inst.Def.Name, pid)
	return nil
}

// launch builds and starts the child process, returning its pid.
func (s *Supervisor) launch(def *Definition) (int, error) {
	cmd, err := s.buildCommand(def)
	if err != nil {
		return 0, err
	}
	err = cmd.Start()
	// The parent's copies of service sockets and console files are no
	// longer needed once the child holds them.
	for _, f := range cmd.ExtraFiles {
		f.Close()
	}
	if f, ok := cmd.Stdin.(*os.File); ok {
		f.Close()
	}
	if err != nil {
		return 0, err
	}
	// The run loop reaps through waitpid; detach the runtime's handle so
	// it does not compete for the exit status.
	pid := cmd.Process.Pid
	cmd.Process.Release()
	return pid, nil
}

// applyIOPriority sets the best-effort io priority of a started child from
// the parent side.
func (s *Supervisor) applyIOPriority(inst *Instance) {
	prio := inst.Def.IOPriority
	if prio < 0 {
		return
	}
	const (
		ioprioClassBE   = 2
		ioprioClassShift = 13
		ioprioWhoProcess = 1
	)
	value := ioprioClassBE<<ioprioClassShift | prio
	_, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, ioprioWhoProcess, uintptr(inst.PID), uintptr(value))
	if errno != 0 {
		s.logger.Warn("service %s: ioprio_set: %v", inst.Def.Name, errno)
	}
}

// Stop terminates a running service: SIGTERM to the process group, bounded
// wait, then SIGKILL. The final state is stopped.
func (s *Supervisor) Stop(name string) error {
	return s.stop(name, DefaultStopTimeout)
}

func (s *Supervisor) stop(name string, timeout time.Duration) error {
	s.mu.Lock()
	inst, ok := s.instances[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}
	if inst.State != StateRunning && inst.State != StateStarting {
		if inst.State == StateRestarting {
			// Cancel the pending restart.
			inst.State = StateStopped
			s.mirrorStatus(inst)
		}
		s.mu.Unlock()
		return nil
	}
	pid := inst.PID
	sig := inst.Def.TermSignal
	inst.State = StateStopped // target state; reaper sees it and skips restart
	s.mirrorStatus(inst)
	s.mu.Unlock()

	// Signal the whole process group created by Setsid.
	if err := syscall.Kill(-pid, sig); err != nil {
		syscall.Kill(pid, sig)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.reapStopped(inst, pid) {
			s.logger.Info("service '%s' stopped", name)
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	s.logger.Warn("service '%s' did not stop within %v, sending SIGKILL", name, timeout)
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		syscall.Kill(pid, syscall.SIGKILL)
	}
	// The killed child is collected here or, failing that, by the run
	// loop's SIGCHLD reaper.
	s.reapStopped(inst, pid)
	return nil
}

// reapStopped collects the exit status of a stopping child without
// blocking. It reports true once the child is gone. Children not ours to
// wait on (ECHILD) fall back to a liveness probe.
func (s *Supervisor) reapStopped(inst *Instance, pid int) bool {
	var status syscall.WaitStatus
	wpid, err := syscall.Wait4(pid, &status, syscall.WNOHANG, nil)
	switch {
	case wpid == pid:
		s.mu.Lock()
		inst.ExitStatus = status
		inst.HasExit = true
		inst.PID = 0
		s.mu.Unlock()
		return true
	case err == syscall.ECHILD:
		return !processAlive(pid)
	default:
		return false
	}
}

// Restart stops then starts a service.
func (s *Supervisor) Restart(name string) error {
	if err := s.Stop(name); err != nil {
		return err
	}
	return s.Start(name)
}

// StartClass starts every non-disabled service in the given class.
func (s *Supervisor) StartClass(class string) {
	for _, inst := range s.List() {
		if inst.Def.Class == class && inst.State != StateDisabled {
			if err := s.Start(inst.Def.Name); err != nil {
				s.logger.Warn("class_start %s: %v", class, err)
			}
		}
	}
}

// StopClass stops every service in the given class.
func (s *Supervisor) StopClass(class string) {
	for _, inst := range s.List() {
		if inst.Def.Class == class {
			if err := s.Stop(inst.Def.Name); err != nil {
				s.logger.Warn("class_stop %s: %v", class, err)
			}
		}
	}
}

// StopAll stops every running service, used during shutdown.
func (s *Supervisor) StopAll(timeout time.Duration) {
	for _, inst := range s.List() {
		if inst.State == StateRunning || inst.State == StateStarting {
			if err := s.stop(inst.Def.Name, timeout); err != nil {
				s.logger.Warn("shutdown stop %s: %v", inst.Def.Name, err)
			}
		}
	}
}

// OnChildExit routes a reaped child into restart policy. Unknown pids
// (orphans reparented to pid 1) are ignored.
func (s *Supervisor) OnChildExit(pid int, status syscall.WaitStatus) {
	s.mu.Lock()
	var inst *Instance
	for _, candidate := range s.instances {
		if candidate.PID == pid && candidate.State != StateDisabled {
			inst = candidate
			break
		}
	}
	if inst == nil {
		s.mu.Unlock()
		return
	}

	inst.ExitStatus = status
	inst.HasExit = true
	inst.PID = 0
	def := inst.Def

	exitedClean := status.Exited() && status.ExitStatus() == 0

	// A Stop already moved the state to stopped; honor it.
	if inst.State == StateStopped {
		s.mirrorStatus(inst)
		s.mu.Unlock()
		return
	}

	if def.Oneshot && exitedClean {
		inst.State = StateStopped
		s.mirrorStatus(inst)
		s.mu.Unlock()
		s.logger.Info("oneshot service '%s' completed", def.Name)
		return
	}

	inst.State = StateRestarting
	s.mirrorStatus(inst)
	storm := s.trackStormLocked(inst)
	s.mu.Unlock()

	s.logger.Warn("service '%s' exited (%s), scheduling restart", def.Name, exitString(status))

	if storm && def.Critical {
		s.logger.Error("critical service '%s' in restart storm", def.Name)
		s.store.SetInternal("init.err.critical", def.Name)
		if s.OnCriticalStorm != nil {
			s.OnCriticalStorm(def.Name)
		}
		s.mu.Lock()
		inst.State = StateFatal
		s.mirrorStatus(inst)
		s.mu.Unlock()
		return
	}

	s.scheduleRestart(inst)
}

// trackStormLocked updates the restart-storm window for an instance and
// reports whether the threshold was exceeded. Caller holds s.mu.
func (s *Supervisor) trackStormLocked(inst *Instance) bool {
	now := time.Now()
	if inst.stormStart.IsZero() || now.Sub(inst.stormStart) > criticalStormWindow {
		inst.stormStart = now
		inst.stormCount = 0
	}
	inst.stormCount++
	return inst.stormCount > criticalStormCount
}

// scheduleRestart asks the run loop to start the service again after the
// backoff interval. Without a wired OnRestartDue nothing is scheduled and
// the service stays restarting until Start or RestartNow is called.
func (s *Supervisor) scheduleRestart(inst *Instance) {
	s.mu.Lock()
	inst.RestartCount++
	s.mu.Unlock()
	delay := RestartBackoff
	if since := time.Since(inst.LastStart); since > RestartBackoff {
		delay = 0
	}
	if s.OnRestartDue != nil {
		s.OnRestartDue(inst.Def.Name, delay)
	}
}

// RestartNow transitions a restarting service back through the start path.
// Called by the run loop when the backoff timer fires.
func (s *Supervisor) RestartNow(name string) error {
	s.mu.Lock()
	inst, ok := s.instances[name]
	if !ok || inst.State != StateRestarting {
		s.mu.Unlock()
		return nil
	}
	inst.State = StateStarting
	s.mu.Unlock()
	return s.startInstance(inst)
}

// ClassNames returns the distinct class names of registered services.
func (s *Supervisor) ClassNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for _, inst := range s.instances {
		if inst.Def.Class != "" {
			seen[inst.Def.Class] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// mirrorStatus publishes init.svc.<name>. Caller holds s.mu.
func (s *Supervisor) mirrorStatus(inst *Instance) {
	if s.store == nil {
		return
	}
	s.store.SetInternal("init.svc."+inst.Def.Name, inst.State.statusValue())
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func exitString(status syscall.WaitStatus) string {
	if status.Exited() {
		return fmt.Sprintf("exit status %d", status.ExitStatus())
	}
	if status.Signaled() {
		return fmt.Sprintf("signal %s", status.Signal())
	}
	return "unknown status"
}
