package devices

import (
	"bufio"
	"os"
	"strings"

	"github.com/minimal-systems/sysboot/internal/util"
)

// LoadRules reads a device rule file into the engine. Two line shapes are
// accepted:
//
//	/dev/block/sda*  0660  root  disk
//	SUBSYSTEM=input KERNEL=event* MODE=0660 GROUP=input
//
// Comments and blank lines are skipped; malformed modes default to 0600
// with a warning. A missing file is not an error.
func (e *Engine) LoadRules(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			continue
		}
		if strings.Contains(tokens[0], "=") {
			e.loadSubsystemRule(path, lineNum, tokens)
		} else {
			e.loadPathRule(path, lineNum, tokens)
		}
	}
	return scanner.Err()
}

func (e *Engine) loadPathRule(path string, lineNum int, tokens []string) {
	if len(tokens) != 4 {
		e.logger.Warn("%s:%d: path rule needs pattern, mode, user, group", path, lineNum)
		return
	}
	mode := e.parseMode(path, lineNum, tokens[1])
	if err := e.AddPathRule(tokens[0], mode, tokens[2], tokens[3]); err != nil {
		e.logger.Warn("%s:%d: %v", path, lineNum, err)
	}
}

func (e *Engine) loadSubsystemRule(path string, lineNum int, tokens []string) {
	var subsystem, kernel, group string
	mode := uint32(0o600)
	attrs := make(map[string]string)

	for _, token := range tokens {
		key, value, ok := strings.Cut(token, "=")
		if !ok {
			e.logger.Warn("%s:%d: malformed token %q", path, lineNum, token)
			continue
		}
		switch key {
		case "SUBSYSTEM":
			subsystem = value
		case "KERNEL":
			kernel = value
		case "MODE":
			mode = e.parseMode(path, lineNum, value)
		case "GROUP":
			group = value
		default:
			attrs[key] = value
		}
	}
	if subsystem == "" {
		e.logger.Warn("%s:%d: subsystem rule without SUBSYSTEM=", path, lineNum)
		return
	}
	if kernel == "" {
		kernel = "*"
	}
	if err := e.AddSubsystemRule(subsystem, kernel, mode, group, attrs); err != nil {
		e.logger.Warn("%s:%d: %v", path, lineNum, err)
	}
}

func (e *Engine) parseMode(path string, lineNum int, s string) uint32 {
	mode, err := util.ParseOctalMode(s)
	if err != nil {
		e.logger.Warn("%s:%d: %v, defaulting to 0600", path, lineNum, err)
		return 0o600
	}
	return mode
}
