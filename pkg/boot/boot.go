// Package boot sequences the second stage: property defaults, security
// bootstrap, configuration parsing, synthetic boot events, and the run
// loop. The Runtime value owns the process-wide singletons (property
// store, trigger registry, service table) and hands them to components by
// reference.
package boot

import (
	"context"
	"os"
	"path/filepath"

	"github.com/minimal-systems/sysboot/pkg/actions"
	"github.com/minimal-systems/sysboot/pkg/bootcfg"
	"github.com/minimal-systems/sysboot/pkg/devices"
	"github.com/minimal-systems/sysboot/pkg/eventloop"
	"github.com/minimal-systems/sysboot/pkg/firststage"
	"github.com/minimal-systems/sysboot/pkg/logging"
	"github.com/minimal-systems/sysboot/pkg/properties"
	"github.com/minimal-systems/sysboot/pkg/rcfile"
	"github.com/minimal-systems/sysboot/pkg/selinux"
	"github.com/minimal-systems/sysboot/pkg/service"
	"github.com/minimal-systems/sysboot/pkg/shutdown"
)

// Default locations, relative to the root.
var (
	propertyDefaultFiles = []string{
		"etc/prop.default",
		"usr/share/etc/prop.default",
	}
	initDirs = []string{
		"etc/init",
		"usr/share/etc/init",
		"oem/etc/init",
	}
	deviceRuleFiles = []string{
		"etc/ueventd.rc",
		"usr/share/etc/ueventd.rc",
	}
	defaultPersistPath = "var/lib/sysboot/persistent_properties"
)

// Options configures second-stage setup.
type Options struct {
	// Root is the filesystem root all well-known paths are resolved
	// against. Empty means "/"; tests point it at a sandbox.
	Root string

	// PersistPath overrides the persistent property file location.
	PersistPath string

	// BootMode is the mode detected by the first stage, when handed off.
	// Empty falls back to the cmdline-derived ro.boot.mode.
	BootMode string

	// Cmdline is the parsed kernel command line. If nil a fresh one is
	// read from the default sources.
	Cmdline *bootcfg.Config

	Logger *logging.Logger
}

// Runtime holds the wired second-stage components.
type Runtime struct {
	Store      *properties.Store
	Actions    *actions.Manager
	Supervisor *service.Supervisor
	Devices    *devices.Engine
	Security   *selinux.Bootstrap
	Loop       *eventloop.Loop

	root   string
	mode   string
	logger *logging.Logger
}

// Setup loads property defaults and the persistent file, ingests the
// cmdline, runs the security bootstrap, derives ro.boot.user, loads device
// rules and parses the init scripts, then returns the wired runtime. Boot
// events are queued separately by QueueBootEvents; Run starts the loop.
func Setup(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(logging.LevelInfo)
	}
	root := opts.Root
	if root == "" {
		root = "/"
	}

	store := properties.NewStore(logger)
	store.SetInternal(properties.PropInitCompleted, "false")

	// Property defaults, lowest priority first.
	for _, rel := range propertyDefaultFiles {
		if err := store.LoadDefaults(filepath.Join(root, rel)); err != nil {
			logger.Warn("%v", err)
		}
	}

	persist := opts.PersistPath
	if persist == "" {
		persist = filepath.Join(root, defaultPersistPath)
	}
	if err := os.MkdirAll(filepath.Dir(persist), 0o700); err != nil {
		logger.Warn("persist dir: %v", err)
	}
	if err := store.EnablePersist(persist); err != nil {
		logger.Warn("%v", err)
	}

	cmdline := opts.Cmdline
	if cmdline == nil {
		cmdline = bootcfg.New(logger)
	}
	cmdline.Init()
	cmdline.ExportTo(store)
	if opts.BootMode != "" {
		store.SetInternal("ro.boot.mode", opts.BootMode)
	}

	sec := selinux.New(logger.WithTag("selinux"))
	dirs := make([]string, len(selinux.DefaultPolicyDirs))
	for i, d := range selinux.DefaultPolicyDirs {
		dirs[i] = filepath.Join(root, d)
	}
	sec.PolicyDirs = dirs
	sec.Load(store, cmdline)

	deriveBootUser(root, store, logger)

	sup := service.NewSupervisor(store, logger)
	am := actions.NewManager(store, logger)
	am.Supervisor = sup

	engine := devices.NewEngine(logger.WithTag("ueventd"))
	for _, rel := range deviceRuleFiles {
		if err := engine.LoadRules(filepath.Join(root, rel)); err != nil {
			logger.Warn("%v", err)
		}
	}

	loop := eventloop.New(am, sup, store, logger)
	store.Subscribe(am.QueuePropertyChange)
	sup.OnCriticalStorm = func(name string) {
		logger.Error("critical service '%s' restart storm, rebooting to bootloader", name)
		loop.RequestShutdown(shutdown.Bootloader)
	}

	rt := &Runtime{
		Store:      store,
		Actions:    am,
		Supervisor: sup,
		Devices:    engine,
		Security:   sec,
		Loop:       loop,
		root:       root,
		mode:       store.Get("ro.boot.mode", firststage.ModeNormal),
		logger:     logger,
	}

	rt.parseConfig()
	return rt, nil
}

// parseConfig walks the init directories according to the boot mode.
func (rt *Runtime) parseConfig() {
	parser := rcfile.NewParser(rt.Store, rt.logger)
	parser.RegisterBlock = rt.Actions.RegisterBlock
	parser.RegisterService = rt.Supervisor.Register

	switch rt.mode {
	case firststage.ModeRecovery:
		// Recovery parses only its dedicated script.
		file := rt.Store.Get("ro.recovery.init_file", "init.rc")
		path := filepath.Join(rt.root, "etc", "recovery", file)
		if err := parser.ParseFile(path); err != nil {
			rt.logger.Error("recovery init: %v", err)
		}
	case firststage.ModeFastboot:
		// Fastboot brings up no services; the flashing environment is
		// provided by the bootloader hand-off.
		rt.logger.Notice("fastboot mode: skipping init script parsing")
	default:
		for _, rel := range initDirs {
			parser.ParseDir(filepath.Join(rt.root, rel))
		}
	}
}

// QueueBootEvents queues the synthetic second-stage events in order.
// Charger mode runs a reduced sequence feeding only the charger UI.
func (rt *Runtime) QueueBootEvents() {
	if rt.mode == firststage.ModeCharger {
		rt.Actions.QueueEvent("early-init")
		rt.Actions.QueueEvent("charger")
		return
	}
	rt.Actions.QueueEvent("early-init")
	rt.Actions.QueueEvent("init")
	rt.Actions.QueueEvent("late-init")
	rt.Actions.QueueEvent("boot")
}

// StartUeventListener begins applying device rules to kernel uevents.
// Failure to open the netlink socket is logged and ignored: device nodes
// from the initial devtmpfs population still work.
func (rt *Runtime) StartUeventListener(ctx context.Context) {
	listener, err := devices.NewListener()
	if err != nil {
		rt.logger.Warn("uevent listener: %v", err)
		return
	}
	go func() {
		defer listener.Close()
		for {
			if ctx.Err() != nil {
				return
			}
			ev, err := listener.Read()
			if err != nil {
				rt.logger.Warn("uevent read: %v", err)
				return
			}
			rt.Devices.HandleUevent(ev)
		}
	}()
}

// Run enters the main loop and blocks until shutdown.
func (rt *Runtime) Run(ctx context.Context) (shutdown.Type, error) {
	err := rt.Loop.Run(ctx)
	return rt.Loop.ShutdownType(), err
}

// deriveBootUser sets ro.boot.user from the sole directory under /home,
// when exactly one exists.
func deriveBootUser(root string, store *properties.Store, logger *logging.Logger) {
	entries, err := os.ReadDir(filepath.Join(root, "home"))
	if err != nil {
		return
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	if len(dirs) == 1 {
		store.SetInternal("ro.boot.user", dirs[0])
		logger.Debug("derived ro.boot.user=%s", dirs[0])
	}
}

// FatalReboot is the terminal action for an uncorrectable internal
// failure: log, then reboot into the bootloader.
func FatalReboot(logger *logging.Logger, format string, args ...interface{}) {
	logger.Error("fatal: "+format, args...)
	shutdown.Execute(shutdown.Bootloader, logger)
}
