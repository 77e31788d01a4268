package firststage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDRMCard lays out a /sys/class/drm/cardN/device/vendor hierarchy.
func fakeDRMCard(t *testing.T, root, card, vendor string) {
	t.Helper()
	dir := filepath.Join(root, card, "device")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	if vendor != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "vendor"), []byte(vendor+"\n"), 0o644))
	}
}

func TestDetectGPUByVendor(t *testing.T) {
	tests := map[string]string{
		"0x10de": GPUNvidia,
		"0x1002": GPUAmd,
		"0x8086": GPUIntel,
	}
	for vendor, want := range tests {
		drm := t.TempDir()
		fakeDRMCard(t, drm, "card0", vendor)
		got := detectGPU(drm, filepath.Join(t.TempDir(), "modules"))
		assert.Equal(t, want, got, vendor)
	}
}

func TestDetectGPUSkipsConnectors(t *testing.T) {
	drm := t.TempDir()
	// Connector entries like card0-HDMI-A-1 must not be classified.
	fakeDRMCard(t, drm, "card0-HDMI-A-1", "0x10de")
	fakeDRMCard(t, drm, "card0", "0x1002")

	assert.Equal(t, GPUAmd, detectGPU(drm, filepath.Join(t.TempDir(), "modules")))
}

func TestDetectGPUNoDRM(t *testing.T) {
	assert.Equal(t, GPUNone, detectGPU(filepath.Join(t.TempDir(), "absent"), filepath.Join(t.TempDir(), "absent")))
}

func TestDetectGPUEmptyDRMDir(t *testing.T) {
	assert.Equal(t, GPUNone, detectGPU(t.TempDir(), filepath.Join(t.TempDir(), "absent")))
}

func TestDetectGPUFromModules(t *testing.T) {
	drm := t.TempDir()
	fakeDRMCard(t, drm, "card0", "0xffff") // unrecognized PCI vendor

	modules := filepath.Join(t.TempDir(), "modules")
	content := "snd_hda_intel 49152 0 - Live 0x0000000000000000\npanfrost 106496 0 - Live 0x0000000000000000\n"
	require.NoError(t, os.WriteFile(modules, []byte(content), 0o644))

	assert.Equal(t, GPUMali, detectGPU(drm, modules))
}

func TestDetectGPUUnknown(t *testing.T) {
	drm := t.TempDir()
	fakeDRMCard(t, drm, "card0", "0xffff")

	assert.Equal(t, GPUUnknown, detectGPU(drm, filepath.Join(t.TempDir(), "absent")))
}

func TestClassifyDriver(t *testing.T) {
	assert.Equal(t, GPUNvidia, classifyDriver("nouveau"))
	assert.Equal(t, GPUIntel, classifyDriver("xe"))
	assert.Equal(t, "", classifyDriver("xen_blkfront"))
	assert.Equal(t, "", classifyDriver(""))
}
