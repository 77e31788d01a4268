package bootcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minimal-systems/sysboot/pkg/logging"
	"github.com/minimal-systems/sysboot/pkg/properties"
)

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestConfig(t *testing.T) (*Config, string) {
	t.Helper()
	dir := t.TempDir()
	c := New(logging.New(logging.LevelError))
	c.CmdlinePath = filepath.Join(dir, "cmdline")
	c.PiCmdlinePath = filepath.Join(dir, "cmdline.txt")
	c.PiConfigPath = filepath.Join(dir, "config.txt")
	c.LocalPath = filepath.Join(dir, ".cmdline")
	return c, dir
}

func TestParseCmdline(t *testing.T) {
	c, dir := newTestConfig(t)
	writeSource(t, dir, "cmdline", "console=ttyS0 root=/dev/sda1 quiet sysboot.selinux=permissive\n")

	c.Init()

	assert.Equal(t, "ttyS0", c.Get("console", ""))
	assert.Equal(t, "/dev/sda1", c.Get("root", ""))
	assert.Equal(t, "true", c.Get("quiet", ""))
	assert.Equal(t, "permissive", c.Get("sysboot.selinux", ""))
	assert.Equal(t, "none", c.Get("missing", "none"))
}

func TestOverlayPrecedence(t *testing.T) {
	c, dir := newTestConfig(t)
	writeSource(t, dir, "cmdline", "sysboot.mode=normal loglevel=4\n")
	writeSource(t, dir, "cmdline.txt", "sysboot.mode=recovery\n")
	writeSource(t, dir, ".cmdline", "sysboot.mode=charger\n")

	c.Init()

	// Local override wins over the pi overlay, which wins over /proc/cmdline.
	assert.Equal(t, "charger", c.Get("sysboot.mode", ""))
	assert.Equal(t, "4", c.Get("loglevel", ""))
}

func TestCommentsAndWhitespaceStripped(t *testing.T) {
	c, dir := newTestConfig(t)
	writeSource(t, dir, "config.txt", "# rpi config\n  gpu_mem=128  # trailing comment\n\narm_64bit=1\n")

	c.Init()

	assert.Equal(t, "128", c.Get("gpu_mem", ""))
	assert.Equal(t, "1", c.Get("arm_64bit", ""))
	assert.Equal(t, "", c.Get("#", ""))
}

func TestInitOnce(t *testing.T) {
	c, dir := newTestConfig(t)
	path := writeSource(t, dir, "cmdline", "first=1\n")

	c.Init()
	require.NoError(t, os.WriteFile(path, []byte("second=2\n"), 0o644))
	c.Init() // no-op: sources are read once

	assert.Equal(t, "1", c.Get("first", ""))
	assert.Equal(t, "", c.Get("second", ""))
}

func TestIsEnabled(t *testing.T) {
	c, dir := newTestConfig(t)
	writeSource(t, dir, "cmdline", "feature.on feature.yes=1 feature.off=0 feature.no=false\n")

	c.Init()

	assert.True(t, c.IsEnabled("feature.on"))
	assert.True(t, c.IsEnabled("feature.yes"))
	assert.False(t, c.IsEnabled("feature.off"))
	assert.False(t, c.IsEnabled("feature.no"))
	assert.False(t, c.IsEnabled("feature.absent"))
}

func TestExportTo(t *testing.T) {
	c, dir := newTestConfig(t)
	writeSource(t, dir, "cmdline", "sysboot.mode=recovery sysboot.selinux=permissive console=tty0\n")

	c.Init()
	store := properties.NewStore(logging.New(logging.LevelError))
	c.ExportTo(store)

	assert.Equal(t, "recovery", store.Get("ro.boot.mode", ""))
	assert.Equal(t, "permissive", store.Get("ro.boot.selinux", ""))
	assert.Equal(t, "", store.Get("ro.boot.console", ""))
}
