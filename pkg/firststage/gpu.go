package firststage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/minimal-systems/sysboot/internal/util"
)

// GPU types exposed through ro.boot.gpu.
const (
	GPUNvidia  = "nvidia"
	GPUAmd     = "amd"
	GPUIntel   = "intel"
	GPUMali    = "mali"
	GPUPowerVR = "powervr"
	GPUArm     = "arm"
	GPUUnknown = "unknown"
	GPUNone    = "none"
)

// PCI vendor ids as found in /sys/class/drm/card*/device/vendor.
const (
	vendorNvidia = "0x10de"
	vendorAmd    = "0x1002"
	vendorIntel  = "0x8086"
)

// DetectGPU classifies the primary display controller by scanning the drm
// class devices, falling back to loaded-driver hints from /proc/modules.
func DetectGPU() string {
	return detectGPU("/sys/class/drm", "/proc/modules")
}

func detectGPU(drmDir, modulesPath string) string {
	entries, err := os.ReadDir(drmDir)
	if err == nil {
		for _, entry := range entries {
			name := entry.Name()
			if !strings.HasPrefix(name, "card") || strings.Contains(name, "-") {
				continue
			}
			vendor := util.ReadFileTrim(filepath.Join(drmDir, name, "device", "vendor"))
			switch strings.ToLower(vendor) {
			case vendorNvidia:
				return GPUNvidia
			case vendorAmd:
				return GPUAmd
			case vendorIntel:
				return GPUIntel
			}
			// Non-PCI (platform) devices carry the driver name instead.
			if gpu := classifyDriver(driverName(filepath.Join(drmDir, name, "device", "driver"))); gpu != "" {
				return gpu
			}
		}
		if len(entries) == 0 {
			return GPUNone
		}
	}

	if data, err := os.ReadFile(modulesPath); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			mod, _, _ := strings.Cut(line, " ")
			if gpu := classifyDriver(mod); gpu != "" {
				return gpu
			}
		}
	}

	if err != nil {
		return GPUNone
	}
	return GPUUnknown
}

// driverName resolves the driver symlink of a device to its basename.
func driverName(link string) string {
	target, err := os.Readlink(link)
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

// driverGPUs maps kernel driver/module names to GPU types.
var driverGPUs = map[string]string{
	"nvidia":    GPUNvidia,
	"nouveau":   GPUNvidia,
	"amdgpu":    GPUAmd,
	"radeon":    GPUAmd,
	"i915":      GPUIntel,
	"xe":        GPUIntel,
	"mali":      GPUMali,
	"mali_kbase": GPUMali,
	"panfrost":  GPUMali,
	"lima":      GPUMali,
	"pvrsrvkm":  GPUPowerVR,
	"powervr":   GPUPowerVR,
	"komeda":    GPUArm,
	"hdlcd":     GPUArm,
}

// classifyDriver maps a kernel driver/module name to a GPU type.
func classifyDriver(name string) string {
	return driverGPUs[name]
}
