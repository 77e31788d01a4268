// Package bootcfg reads the kernel command line and its overlay files into
// a flag map queried during early boot.
//
// Sources are merged in order: /proc/cmdline, /boot/cmdline.txt,
// /boot/config.txt, then the local override ./.cmdline. Later sources
// override earlier ones.
package bootcfg

import (
	"os"
	"strings"
	"sync"

	"github.com/minimal-systems/sysboot/pkg/logging"
	"github.com/minimal-systems/sysboot/pkg/properties"
)

// Config holds the parsed kernel command-line flags. Construct with New,
// then call Init exactly once; further Init calls are no-ops.
type Config struct {
	once   sync.Once
	mu     sync.RWMutex
	flags  map[string]string
	logger *logging.Logger

	// Source paths, overridable for tests.
	CmdlinePath   string
	PiCmdlinePath string
	PiConfigPath  string
	LocalPath     string
}

// New creates an uninitialized Config with the default source paths.
func New(logger *logging.Logger) *Config {
	return &Config{
		flags:         make(map[string]string),
		logger:        logger,
		CmdlinePath:   "/proc/cmdline",
		PiCmdlinePath: "/boot/cmdline.txt",
		PiConfigPath:  "/boot/config.txt",
		LocalPath:     "./.cmdline",
	}
}

// Init parses all command-line sources. Safe to call multiple times;
// parsing runs only once.
func (c *Config) Init() {
	c.once.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, src := range []struct {
			path string
			name string
		}{
			{c.CmdlinePath, "kernel cmdline"},
			{c.PiCmdlinePath, "boot cmdline overlay"},
			{c.PiConfigPath, "boot config overlay"},
			{c.LocalPath, "local override"},
		} {
			line := readAndClean(src.path)
			if line == "" {
				continue
			}
			if c.logger != nil {
				c.logger.Debug("bootcfg: parsing %s (%s)", src.path, src.name)
			}
			c.parseLine(line)
		}
	})
}

// parseLine splits a cleaned source into whitespace-separated tokens.
// "key=value" stores the pair; a bare "key" stores "true".
// Caller holds c.mu.
func (c *Config) parseLine(line string) {
	for _, token := range strings.Fields(line) {
		if eq := strings.IndexByte(token, '='); eq >= 0 {
			c.flags[token[:eq]] = token[eq+1:]
		} else {
			c.flags[token] = "true"
		}
	}
}

// readAndClean reads a source file, strips '#' comments and surrounding
// whitespace, and flattens the content to one space-separated line.
// Missing files yield an empty string.
func readAndClean(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, " ")
}

// Get returns the value of a flag, or def if it is absent.
func (c *Config) Get(key, def string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.flags[key]; ok {
		return v
	}
	return def
}

// IsEnabled reports whether a flag exists and is not "0" or "false".
func (c *Config) IsEnabled(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.flags[key]
	return ok && v != "0" && v != "false"
}

// All returns a copy of the flag map.
func (c *Config) All() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.flags))
	for k, v := range c.flags {
		out[k] = v
	}
	return out
}

// ExportTo seeds boot-relevant flags into the property store. Flags in the
// sysboot.* namespace become ro.boot.* properties (sysboot.mode →
// ro.boot.mode); everything else is left to the component that owns it.
func (c *Config) ExportTo(store *properties.Store) {
	for k, v := range c.All() {
		if rest, ok := strings.CutPrefix(k, "sysboot."); ok && properties.ValidKey(rest) {
			if err := store.SetInternal("ro.boot."+rest, v); err != nil && c.logger != nil {
				c.logger.Warn("bootcfg: export %s: %v", k, err)
			}
		}
	}
}
