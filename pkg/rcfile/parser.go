package rcfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/minimal-systems/sysboot/internal/util"
	"github.com/minimal-systems/sysboot/pkg/logging"
	"github.com/minimal-systems/sysboot/pkg/properties"
	"github.com/minimal-systems/sysboot/pkg/service"
)

// Parser walks rc files and hands the resulting trigger blocks and service
// definitions to the registries wired in by the orchestrator.
type Parser struct {
	store  *properties.Store
	logger *logging.Logger

	// RegisterBlock receives each completed 'on' block in parse order.
	RegisterBlock func(*TriggerBlock)

	// RegisterService receives each completed service definition. An error
	// (duplicate name) aborts the current file.
	RegisterService func(*service.Definition) error

	// importStack holds the absolute paths currently being parsed, for
	// cycle detection.
	importStack []string
}

// NewParser creates a parser bound to the property store used for ${}
// expansion of import paths.
func NewParser(store *properties.Store, logger *logging.Logger) *Parser {
	return &Parser{store: store, logger: logger}
}

// ParseDir parses every *.rc file in dir in lexical order. A missing
// directory is not an error; a file-level parse error is logged and the
// remaining files are still parsed.
func (p *Parser) ParseDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("unable to read config directory '%s': %v", dir, err)
		}
		return
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".rc") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := p.ParseFile(filepath.Join(dir, name)); err != nil {
			p.logger.Error("%v", err)
		}
	}
}

// ParseFile parses a single rc file, following imports recursively.
func (p *Parser) ParseFile(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	for _, onStack := range p.importStack {
		if onStack == abs {
			return &ParseError{File: path, Message: fmt.Sprintf("cyclic import of %s", abs)}
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return &ParseError{File: path, Message: err.Error()}
	}
	defer f.Close()

	p.importStack = append(p.importStack, abs)
	defer func() { p.importStack = p.importStack[:len(p.importStack)-1] }()

	p.logger.Debug("parsing %s", path)
	return p.Parse(f, path)
}

// fileState tracks the open block while walking one file.
type fileState struct {
	path string

	block *TriggerBlock       // open 'on' block, if any
	svc   *service.Definition // open service block, if any
}

// Parse reads rc directives from r. The path is used for diagnostics and
// as the base directory for relative imports.
func (p *Parser) Parse(r io.Reader, path string) error {
	state := &fileState{path: path}
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		// Backslash continuation joins physical lines.
		for strings.HasSuffix(strings.TrimRight(line, " \t"), "\\") && scanner.Scan() {
			lineNum++
			trimmed := strings.TrimRight(line, " \t")
			line = trimmed[:len(trimmed)-1] + " " + strings.TrimSpace(scanner.Text())
		}

		tokens := SplitLine(line)
		if len(tokens) == 0 {
			continue
		}

		var err error
		switch tokens[0] {
		case "on":
			err = p.closeBlocks(state, lineNum)
			if err == nil {
				err = p.beginTrigger(state, tokens[1:], lineNum)
			}
		case "service":
			err = p.closeBlocks(state, lineNum)
			if err == nil {
				err = p.beginService(state, tokens[1:], lineNum)
			}
		case "import":
			err = p.closeBlocks(state, lineNum)
			if err == nil {
				err = p.handleImport(state, tokens[1:], lineNum)
			}
		default:
			p.handleLine(state, tokens, lineNum)
		}
		if err != nil {
			// Abort this file; blocks completed so far stay registered.
			p.closeBlocks(state, lineNum)
			return err
		}
	}
	if err := p.closeBlocks(state, lineNum); err != nil {
		return err
	}

	if err := scanner.Err(); err != nil {
		return &ParseError{File: path, Line: lineNum, Message: err.Error()}
	}
	return nil
}

// closeBlocks registers any open block with its registry. A registry
// rejection (duplicate service name) aborts the current file.
func (p *Parser) closeBlocks(state *fileState, lineNum int) error {
	if state.block != nil {
		if p.RegisterBlock != nil {
			p.RegisterBlock(state.block)
		}
		state.block = nil
	}
	if state.svc != nil {
		svc := state.svc
		state.svc = nil
		if p.RegisterService != nil {
			if err := p.RegisterService(svc); err != nil {
				return &ParseError{File: state.path, Line: lineNum, Message: err.Error()}
			}
		}
	}
	return nil
}

// beginTrigger parses an 'on' directive: conditions separated by '&&'.
func (p *Parser) beginTrigger(state *fileState, tokens []string, lineNum int) error {
	if len(tokens) == 0 {
		return &ParseError{File: state.path, Line: lineNum, Message: "'on' requires a trigger expression"}
	}
	block := &TriggerBlock{Source: fmt.Sprintf("%s:%d", state.path, lineNum)}
	expectCond := true
	for _, token := range tokens {
		if token == "&&" {
			if expectCond {
				return &ParseError{File: state.path, Line: lineNum, Message: "empty trigger condition"}
			}
			expectCond = true
			continue
		}
		if !expectCond {
			return &ParseError{File: state.path, Line: lineNum, Message: "trigger conditions must be joined with '&&'"}
		}
		cond, err := parseCondition(token)
		if err != nil {
			return &ParseError{File: state.path, Line: lineNum, Message: err.Error()}
		}
		block.Conditions = append(block.Conditions, cond)
		expectCond = false
	}
	if expectCond {
		return &ParseError{File: state.path, Line: lineNum, Message: "trailing '&&' in trigger expression"}
	}
	state.block = block
	return nil
}

// parseCondition decodes one trigger term: an event name or
// "property:key=value".
func parseCondition(token string) (Condition, error) {
	if rest, ok := strings.CutPrefix(token, "property:"); ok {
		key, value, found := strings.Cut(rest, "=")
		if !found || key == "" {
			return Condition{}, fmt.Errorf("malformed property condition %q", token)
		}
		if !properties.ValidKey(key) {
			return Condition{}, fmt.Errorf("invalid property key %q in condition", key)
		}
		return Condition{Type: CondProperty, Key: key, Value: value}, nil
	}
	return Condition{Type: CondEvent, Event: token}, nil
}

// beginService parses a 'service' header line: name, executable, argv.
func (p *Parser) beginService(state *fileState, tokens []string, lineNum int) error {
	if len(tokens) < 2 {
		return &ParseError{File: state.path, Line: lineNum, Message: "'service' requires a name and an executable path"}
	}
	state.svc = service.NewDefinition(tokens[0], tokens[1], tokens[2:])
	return nil
}

// handleImport expands ${} in the import path at parse time and recurses.
// A missing file warns and continues; a cycle is an error.
func (p *Parser) handleImport(state *fileState, tokens []string, lineNum int) error {
	if len(tokens) != 1 {
		return &ParseError{File: state.path, Line: lineNum, Message: "'import' requires exactly one path"}
	}
	target := ExpandProps(tokens[0], p.store)
	target = util.CombinePaths(filepath.Dir(state.path), target)

	if _, err := os.Stat(target); os.IsNotExist(err) {
		p.logger.Warn("%s:%d: import %s: no such file, skipping", state.path, lineNum, target)
		return nil
	}
	if err := p.ParseFile(target); err != nil {
		var perr *ParseError
		if errors.As(err, &perr) && strings.Contains(perr.Message, "cyclic import") {
			return &ParseError{File: state.path, Line: lineNum, Message: perr.Message}
		}
		p.logger.Error("%s:%d: import %s: %v", state.path, lineNum, target, err)
	}
	return nil
}

// handleLine routes a non-directive line into the open block.
func (p *Parser) handleLine(state *fileState, tokens []string, lineNum int) {
	switch {
	case state.svc != nil:
		p.applyServiceOption(state, tokens, lineNum)
	case state.block != nil:
		state.block.Commands = append(state.block.Commands, Command{
			Verb: tokens[0],
			Args: tokens[1:],
			Line: lineNum,
		})
		if !knownVerb(tokens[0]) {
			p.logger.Warn("%s:%d: unknown command '%s'", state.path, lineNum, tokens[0])
		}
	default:
		p.logger.Warn("%s:%d: command '%s' outside any block, ignored", state.path, lineNum, tokens[0])
	}
}

// knownVerbs is the command vocabulary the dispatcher understands. Unknown
// verbs warn at parse time and again when dispatched.
var knownVerbs = map[string]bool{
	"setprop": true, "start": true, "stop": true, "restart": true,
	"class_start": true, "class_stop": true, "enable": true,
	"mkdir": true, "write": true, "chmod": true, "chown": true,
	"symlink": true, "rm": true, "rmdir": true, "copy": true,
	"exec": true, "trigger": true, "ifup": true, "hostname": true,
	"insmod": true, "loglevel": true,
}

func knownVerb(verb string) bool {
	return knownVerbs[verb]
}

// applyServiceOption parses one option line inside a service block.
func (p *Parser) applyServiceOption(state *fileState, tokens []string, lineNum int) {
	svc := state.svc
	opt := tokens[0]
	args := tokens[1:]

	warn := func(format string, a ...interface{}) {
		p.logger.Warn("%s:%d: service %s: %s", state.path, lineNum, svc.Name, fmt.Sprintf(format, a...))
	}

	switch opt {
	case "user":
		if len(args) == 1 {
			svc.User = args[0]
		} else {
			warn("'user' requires one argument")
		}
	case "group":
		if len(args) >= 1 {
			svc.Group = args[0]
			svc.SuppGroups = append(svc.SuppGroups, args[1:]...)
		} else {
			warn("'group' requires at least one argument")
		}
	case "supplementary_groups":
		svc.SuppGroups = append(svc.SuppGroups, args...)
	case "class":
		if len(args) == 1 {
			svc.Class = args[0]
		} else {
			warn("'class' requires one argument")
		}
	case "disabled":
		svc.Disabled = true
	case "oneshot":
		svc.Oneshot = true
	case "critical":
		svc.Critical = true
	case "console":
		svc.Console = true
	case "seclabel":
		if len(args) == 1 {
			svc.SecLabel = args[0]
		} else {
			warn("'seclabel' requires one argument")
		}
	case "priority":
		n, err := strconv.Atoi(argOr(args, 0, ""))
		if err != nil || n < 0 || n > 7 {
			warn("invalid io priority %v, ignoring", args)
		} else {
			svc.IOPriority = n
		}
	case "capabilities":
		for _, name := range args {
			c, err := service.ParseCapability(name)
			if err != nil {
				warn("%v", err)
				continue
			}
			svc.Capabilities = append(svc.Capabilities, c)
		}
	case "setenv":
		if len(args) == 2 {
			svc.Env = append(svc.Env, args[0]+"="+args[1])
		} else {
			warn("'setenv' requires a name and a value")
		}
	case "socket":
		if len(args) < 3 {
			warn("'socket' requires name, type and permissions")
			return
		}
		perm, err := util.ParseOctalMode(args[2])
		if err != nil {
			warn("%v, defaulting to 0660", err)
			perm = 0o660
		}
		decl := service.SocketDecl{Name: args[0], Type: args[1], Perm: perm}
		if len(args) > 3 {
			decl.User = args[3]
		}
		if len(args) > 4 {
			decl.Group = args[4]
		}
		svc.Sockets = append(svc.Sockets, decl)
	case "term_signal":
		sig, err := util.ParseSignal(argOr(args, 0, ""))
		if err != nil {
			warn("%v", err)
		} else {
			svc.TermSignal = sig
		}
	case "writepid":
		// Accepted for compatibility; pid files are not used by the
		// supervisor, which tracks children directly.
		p.logger.Debug("%s:%d: service %s: writepid ignored", state.path, lineNum, svc.Name)
	default:
		warn("unknown option '%s'", opt)
	}
}

func argOr(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}
