package firststage

import (
	"os"

	"github.com/minimal-systems/sysboot/pkg/bootcfg"
	"github.com/minimal-systems/sysboot/pkg/logging"
	"github.com/minimal-systems/sysboot/pkg/properties"
)

// Run performs the first boot stage: kernel filesystems, early device
// nodes, boot modules, loopback, and boot-mode/GPU classification. The
// derived ro.boot.* properties land in the store for the second stage.
func Run(cfg *bootcfg.Config, store *properties.Store, logger *logging.Logger) error {
	if err := MountAll(logger); err != nil {
		return err
	}
	MakeEarlyNodes(logger)

	if err := LoadModules(DefaultModuleDir, logger); err != nil {
		logger.Warn("module load: %v", err)
	}
	if err := ConfigureLoopback(); err != nil {
		logger.Warn("loopback: %v", err)
	}

	cfg.Init()

	mode := DetectBootMode(cfg)
	store.SetInternal("ro.boot.mode", mode)
	logger.Notice("detected boot mode: %s", mode)

	gpu := DetectGPU()
	store.SetInternal("ro.boot.gpu", gpu)
	logger.Info("detected gpu: %s", gpu)

	return nil
}

// SetStdioToDevNull reattaches the standard descriptors to /dev/null so a
// stray write from init cannot land on an arbitrary inherited console.
func SetStdioToDevNull() error {
	f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, fd := range []uintptr{0, 1, 2} {
		if err := dup2(f.Fd(), fd); err != nil {
			return err
		}
	}
	return nil
}
