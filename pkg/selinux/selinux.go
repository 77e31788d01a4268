// Package selinux loads the security policy configuration during second
// stage and exposes the effective enforcing state through properties.
package selinux

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/minimal-systems/sysboot/pkg/bootcfg"
	"github.com/minimal-systems/sysboot/pkg/logging"
	"github.com/minimal-systems/sysboot/pkg/properties"
)

// Effective modes exposed through ro.boot.selinux.
const (
	ModeEnforcing  = "enforcing"
	ModePermissive = "permissive"
)

// PropPolicyError is set when no valid policy is found in any whitelisted
// directory, permanently pinning the runtime to permissive.
const PropPolicyError = "init.err.selinux"

// DefaultPolicyDirs is the whitelist of directories scanned for a policy
// configuration.
var DefaultPolicyDirs = []string{
	"/etc/selinux",
	"/oem/etc/selinux",
	"/usr/share/etc/selinux",
}

// Bootstrap holds the resolved security state.
type Bootstrap struct {
	enforcing bool
	logger    *logging.Logger

	// PolicyDirs overrides the scan whitelist, for tests.
	PolicyDirs []string
}

// New creates an unloaded bootstrap.
func New(logger *logging.Logger) *Bootstrap {
	return &Bootstrap{logger: logger, PolicyDirs: DefaultPolicyDirs}
}

// Load parses the first config file found in the policy whitelist, sets
// ro.boot.selinux and ro.boot.selinux_type, and resolves the effective
// mode. A kernel cmdline override sysboot.selinux=permissive wins over
// the config file; a missing policy pins permissive and raises a fault
// property. Policy load failure never aborts boot.
func (b *Bootstrap) Load(store *properties.Store, cfg *bootcfg.Config) {
	state, setype, found := b.scanPolicyDirs()

	if !found {
		b.logger.Warn("no selinux policy found in %v, forcing permissive", b.PolicyDirs)
		store.SetInternal(PropPolicyError, "no_policy")
		state = ModePermissive
	}

	if cfg != nil && cfg.Get("sysboot.selinux", "") == ModePermissive {
		b.logger.Notice("selinux forced permissive from kernel cmdline")
		state = ModePermissive
	}

	b.enforcing = state == ModeEnforcing
	store.SetInternal("ro.boot.selinux", state)
	if setype != "" {
		store.SetInternal("ro.boot.selinux_type", setype)
	}
	b.logger.Info("selinux: %s (type %s)", state, setype)
}

// IsEnforcing reports the effective mode after Load.
func (b *Bootstrap) IsEnforcing() bool {
	return b.enforcing
}

// scanPolicyDirs walks the whitelist for a config file and returns the
// normalized state, the policy type, and whether a config was found.
func (b *Bootstrap) scanPolicyDirs() (state, setype string, found bool) {
	for _, dir := range b.PolicyDirs {
		path := filepath.Join(dir, "config")
		st, ty, err := parseConfig(path)
		if err != nil {
			continue
		}
		b.logger.Debug("selinux config loaded from %s", path)
		return st, ty, true
	}
	return "", "", false
}

// parseConfig extracts SELINUX= and SELINUXTYPE= from a config file.
// "disabled" normalizes to permissive; anything other than "enforcing"
// is treated as permissive.
func parseConfig(path string) (state, setype string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	state = ModePermissive
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if v, ok := strings.CutPrefix(line, "SELINUX="); ok {
			if strings.TrimSpace(v) == "enforcing" {
				state = ModeEnforcing
			} else {
				state = ModePermissive
			}
		} else if v, ok := strings.CutPrefix(line, "SELINUXTYPE="); ok {
			setype = strings.TrimSpace(v)
		}
	}
	return state, setype, scanner.Err()
}
