package firststage

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/minimal-systems/sysboot/pkg/logging"
)

// DefaultModuleDir holds the modules loaded unconditionally at boot.
const DefaultModuleDir = "/lib/modules/boot"

// LoadModules loads every regular file in dir as a kernel module, with
// bounded parallelism. Module ordering inside the directory is not
// significant; dependency resolution is the build system's problem, not
// ours. A missing directory is not an error.
func LoadModules(dir string, logger *logging.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("list module dir: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	eg := errgroup.Group{}
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for _, path := range paths {
		path := path
		eg.Go(func() error {
			if err := LoadModule(path, ""); err != nil {
				return fmt.Errorf("load module %s: %w", path, err)
			}
			logger.Debug("loaded module %s", filepath.Base(path))
			return nil
		})
	}
	return eg.Wait()
}

// LoadModule loads the kernel module at path with the given parameters.
// finit_module(2) is tried first; compressed modules fall back to
// init_module(2) after decompression.
func LoadModule(path, params string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open module: %w", err)
	}
	defer f.Close()

	err = unix.FinitModule(int(f.Fd()), params, 0)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EEXIST):
		return nil
	case errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL):
		return initModule(f, path, params)
	default:
		return fmt.Errorf("finit_module: %w", err)
	}
}

// initModule reads (and, for .gz modules, decompresses) the module image
// and loads it with init_module(2).
func initModule(f *os.File, path, params string) error {
	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip module: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return fmt.Errorf("read module image: %w", err)
	}
	if err := unix.InitModule(buf.Bytes(), params); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("init_module: %w", err)
	}
	return nil
}
