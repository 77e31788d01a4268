package properties

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadDefaults reads a property default file (one key=value per line,
// '#' comments, blank lines allowed) into the store. Values are written
// directly into the store without notifying subscribers and bypass the
// ro.* write-once check, so ro.* defaults may be refreshed by later
// default files. Missing files are not an error.
func (s *Store) LoadDefaults(path string) error {
	return s.loadFile(path, false)
}

func (s *Store) loadFile(path string, markPersistent bool) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open property file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			if s.logger != nil {
				s.logger.Warn("%s:%d: malformed property line, skipping", path, lineNum)
			}
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		if !ValidKey(key) {
			if s.logger != nil {
				s.logger.Warn("%s:%d: invalid property key %q, skipping", path, lineNum, key)
			}
			continue
		}
		s.mu.Lock()
		s.props[key] = value
		if markPersistent {
			s.persistKeys[key] = true
		}
		s.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read property file %s: %w", path, err)
	}
	return nil
}
