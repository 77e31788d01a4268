// sysboot is a minimal user-space init for Linux-class devices: the first
// user process, responsible for preparing the root environment, applying
// security policy, and supervising the services declared in rc
// configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/minimal-systems/sysboot/pkg/boot"
	"github.com/minimal-systems/sysboot/pkg/bootcfg"
	"github.com/minimal-systems/sysboot/pkg/firststage"
	"github.com/minimal-systems/sysboot/pkg/logging"
	"github.com/minimal-systems/sysboot/pkg/properties"
	"github.com/minimal-systems/sysboot/pkg/service"
	"github.com/minimal-systems/sysboot/pkg/shutdown"
)

const version = "0.1.0"

func main() {
	// Hidden re-exec mode: the capability shim for service launches.
	if len(os.Args) > 1 && os.Args[1] == service.ShimFlag {
		if err := service.ExecShim(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "sysboot: %v\n", err)
		}
		os.Exit(127)
	}

	var (
		secondStage bool
		rootDir     string
		showVersion bool
		logLevel    string
	)
	flag.BoolVar(&secondStage, "second-stage", false, "run the second boot stage")
	flag.StringVar(&rootDir, "root", "", "filesystem root (development use)")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.StringVar(&logLevel, "log-level", "info", "log level (debug, info, notice, warn, error)")
	flag.Parse()

	if showVersion {
		fmt.Printf("sysboot version %s\n", version)
		os.Exit(0)
	}

	isPID1 := os.Getpid() == 1
	level := parseLogLevel(logLevel)

	// A symlink or rename to *-second selects the second stage, as does
	// the explicit flag; pid 1 without a marker starts from stage one.
	if strings.HasSuffix(os.Args[0], "-second") {
		secondStage = true
	}

	logger := logging.NewKernel(level, "init")
	defer logger.Close()

	if isPID1 && !secondStage {
		runFirstStage(logger)
		// First stage re-executes this binary for the second stage; if
		// the exec failed we fall through and continue in-process.
		secondStage = true
	}

	runSecondStage(logger, rootDir, isPID1)
}

// runFirstStage prepares the early environment and re-executes into the
// second stage.
func runFirstStage(logger *logging.Logger) {
	logger.Notice("init first stage started (version %s)", version)

	cfg := bootcfg.New(logger)
	store := properties.NewStore(logger)

	if err := firststage.Run(cfg, store, logger); err != nil {
		logger.Error("first stage: %v", err)
		boot.FatalReboot(logger, "cannot prepare root environment")
	}
	if err := firststage.SetStdioToDevNull(); err != nil {
		logger.Warn("stdio redirect: %v", err)
	}

	// Carry the derived boot state into the second stage through the
	// environment the re-exec inherits.
	os.Setenv("SYSBOOT_MODE", store.Get("ro.boot.mode", firststage.ModeNormal))
	os.Setenv("SYSBOOT_GPU", store.Get("ro.boot.gpu", firststage.GPUUnknown))

	self, err := os.Executable()
	if err != nil {
		self = "/sbin/sysboot"
	}
	logger.Info("switching to second stage")
	if err := execSelf(self, "--second-stage"); err != nil {
		logger.Error("second stage exec failed, continuing in-process: %v", err)
	}
}

// runSecondStage wires the runtime and enters the main loop. It only
// returns in development (non-pid-1) runs.
func runSecondStage(logger *logging.Logger, rootDir string, isPID1 bool) {
	logger.Notice("init second stage started")

	rt, err := boot.Setup(boot.Options{
		Root:     rootDir,
		BootMode: os.Getenv("SYSBOOT_MODE"),
		Logger:   logger,
	})
	if err != nil {
		logger.Error("second stage setup: %v", err)
		if isPID1 {
			boot.FatalReboot(logger, "second stage setup failed")
		}
		os.Exit(1)
	}

	// GPU classification from the first-stage hand-off, when present.
	if gpu := os.Getenv("SYSBOOT_GPU"); gpu != "" {
		rt.Store.SetInternal("ro.boot.gpu", gpu)
	}

	if isPID1 {
		rt.Loop.SetPID1Mode(true)
		rt.StartUeventListener(context.Background())
	}

	rt.QueueBootEvents()

	target, err := rt.Run(context.Background())
	if err != nil {
		logger.Error("event loop: %v", err)
	}

	if isPID1 {
		shutdown.Execute(target, logger)
		// Execute does not return.
	}
	logger.Info("sysboot shutdown complete")
}

func parseLogLevel(s string) logging.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logging.LevelDebug
	case "info":
		return logging.LevelInfo
	case "notice":
		return logging.LevelNotice
	case "warn", "warning":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
