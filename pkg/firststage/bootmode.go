package firststage

import (
	"os"

	"github.com/minimal-systems/sysboot/pkg/bootcfg"
)

// Boot modes exposed through ro.boot.mode.
const (
	ModeNormal   = "normal"
	ModeRecovery = "recovery"
	ModeCharger  = "charger"
	ModeFastboot = "fastboot"
)

// recoveryMarker is the file whose presence selects recovery boot when
// the command line does not force a normal boot.
const recoveryMarker = "/etc/recovery.marker"

// DetectBootMode derives the boot mode from the kernel command line and
// the recovery marker. Explicit sysboot.mode settings win; the marker is
// overridden by sysboot.force_normal_boot.
func DetectBootMode(cfg *bootcfg.Config) string {
	return detectBootMode(cfg, recoveryMarker)
}

func detectBootMode(cfg *bootcfg.Config, marker string) string {
	switch cfg.Get("sysboot.mode", "") {
	case ModeCharger:
		return ModeCharger
	case ModeFastboot:
		return ModeFastboot
	case ModeRecovery:
		return ModeRecovery
	case ModeNormal:
		return ModeNormal
	}
	if _, err := os.Stat(marker); err == nil && !cfg.IsEnabled("sysboot.force_normal_boot") {
		return ModeRecovery
	}
	return ModeNormal
}
