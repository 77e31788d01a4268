package selinux

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minimal-systems/sysboot/pkg/bootcfg"
	"github.com/minimal-systems/sysboot/pkg/logging"
	"github.com/minimal-systems/sysboot/pkg/properties"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config"), []byte(content), 0o644))
	return dir
}

func emptyCmdline(t *testing.T) *bootcfg.Config {
	t.Helper()
	dir := t.TempDir()
	c := bootcfg.New(logging.New(logging.LevelError))
	c.CmdlinePath = filepath.Join(dir, "absent")
	c.PiCmdlinePath = filepath.Join(dir, "absent")
	c.PiConfigPath = filepath.Join(dir, "absent")
	c.LocalPath = filepath.Join(dir, "absent")
	c.Init()
	return c
}

func cmdlineWith(t *testing.T, content string) *bootcfg.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cmdline")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	c := bootcfg.New(logging.New(logging.LevelError))
	c.CmdlinePath = path
	c.PiCmdlinePath = filepath.Join(dir, "absent")
	c.PiConfigPath = filepath.Join(dir, "absent")
	c.LocalPath = filepath.Join(dir, "absent")
	c.Init()
	return c
}

func TestLoadEnforcing(t *testing.T) {
	b := New(logging.New(logging.LevelError))
	b.PolicyDirs = []string{writeConfig(t, "# config\nSELINUX=enforcing\nSELINUXTYPE=targeted\n")}
	store := properties.NewStore(logging.New(logging.LevelError))

	b.Load(store, emptyCmdline(t))

	assert.True(t, b.IsEnforcing())
	assert.Equal(t, "enforcing", store.Get("ro.boot.selinux", ""))
	assert.Equal(t, "targeted", store.Get("ro.boot.selinux_type", ""))
	assert.Equal(t, "", store.Get(PropPolicyError, ""))
}

func TestLoadDisabledNormalizesToPermissive(t *testing.T) {
	b := New(logging.New(logging.LevelError))
	b.PolicyDirs = []string{writeConfig(t, "SELINUX=disabled\nSELINUXTYPE=minimum\n")}
	store := properties.NewStore(logging.New(logging.LevelError))

	b.Load(store, emptyCmdline(t))

	assert.False(t, b.IsEnforcing())
	assert.Equal(t, "permissive", store.Get("ro.boot.selinux", ""))
}

func TestLoadMissingPolicyPinsPermissive(t *testing.T) {
	b := New(logging.New(logging.LevelError))
	b.PolicyDirs = []string{filepath.Join(t.TempDir(), "absent")}
	store := properties.NewStore(logging.New(logging.LevelError))

	b.Load(store, emptyCmdline(t))

	assert.False(t, b.IsEnforcing())
	assert.Equal(t, "permissive", store.Get("ro.boot.selinux", ""))
	assert.Equal(t, "no_policy", store.Get(PropPolicyError, ""))
}

func TestCmdlineOverridesConfig(t *testing.T) {
	b := New(logging.New(logging.LevelError))
	b.PolicyDirs = []string{writeConfig(t, "SELINUX=enforcing\n")}
	store := properties.NewStore(logging.New(logging.LevelError))

	b.Load(store, cmdlineWith(t, "sysboot.selinux=permissive\n"))

	assert.False(t, b.IsEnforcing())
	assert.Equal(t, "permissive", store.Get("ro.boot.selinux", ""))
}

func TestWhitelistOrder(t *testing.T) {
	b := New(logging.New(logging.LevelError))
	first := filepath.Join(t.TempDir(), "absent")
	second := writeConfig(t, "SELINUX=enforcing\n")
	b.PolicyDirs = []string{first, second}
	store := properties.NewStore(logging.New(logging.LevelError))

	b.Load(store, emptyCmdline(t))

	assert.True(t, b.IsEnforcing())
}
