package devices

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/minimal-systems/sysboot/pkg/logging"
)

// PathRule assigns mode and ownership to device paths matching a glob
// pattern. Rules apply in registration order; when several match the same
// path the later assignment wins.
type PathRule struct {
	Pattern string
	Mode    uint32
	User    string
	Group   string

	re *regexp.Regexp
}

// SubsystemRule assigns mode and group to nodes created for uevents of a
// kernel subsystem.
type SubsystemRule struct {
	Subsystem     string
	KernelPattern string
	Mode          uint32
	Group         string
	Attrs         map[string]string

	re *regexp.Regexp
}

// Engine holds the registered device rules and applies them to announced
// device nodes.
type Engine struct {
	pathRules      []*PathRule
	subsystemRules []*SubsystemRule
	logger         *logging.Logger

	// chmod/chown entry points, swapped out in tests.
	chmodFunc func(path string, mode uint32) error
	chownFunc func(path string, uid, gid int) error
}

// NewEngine creates an empty rule engine.
func NewEngine(logger *logging.Logger) *Engine {
	return &Engine{
		logger: logger,
		chmodFunc: func(path string, mode uint32) error {
			return os.Chmod(path, os.FileMode(mode))
		},
		chownFunc: os.Chown,
	}
}

// globToRegexp translates a shell glob ('*' and '?') into an anchored
// regular expression.
func globToRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// AddPathRule registers a path rule. The pattern is compiled immediately;
// a malformed pattern is a configuration error.
func (e *Engine) AddPathRule(pattern string, mode uint32, user, group string) error {
	re, err := globToRegexp(pattern)
	if err != nil {
		return fmt.Errorf("device rule %q: %w", pattern, err)
	}
	e.pathRules = append(e.pathRules, &PathRule{
		Pattern: pattern,
		Mode:    mode,
		User:    user,
		Group:   group,
		re:      re,
	})
	return nil
}

// AddSubsystemRule registers a subsystem rule.
func (e *Engine) AddSubsystemRule(subsystem, kernelPattern string, mode uint32, group string, attrs map[string]string) error {
	re, err := globToRegexp(kernelPattern)
	if err != nil {
		return fmt.Errorf("subsystem rule %s/%q: %w", subsystem, kernelPattern, err)
	}
	e.subsystemRules = append(e.subsystemRules, &SubsystemRule{
		Subsystem:     subsystem,
		KernelPattern: kernelPattern,
		Mode:          mode,
		Group:         group,
		Attrs:         attrs,
		re:            re,
	})
	return nil
}

// ApplyPath runs every matching path rule against an announced device
// path: chmod first, then chown. Returns the number of rules that fired.
func (e *Engine) ApplyPath(path string) int {
	fired := 0
	for _, rule := range e.pathRules {
		if !rule.re.MatchString(path) {
			continue
		}
		fired++
		if err := e.chmodFunc(path, rule.Mode); err != nil {
			e.logger.Warn("chmod %s (rule %s): %v", path, rule.Pattern, err)
		}
		uid, gid, err := e.resolveOwner(rule.User, rule.Group)
		if err != nil {
			e.logger.Warn("rule %s: %v", rule.Pattern, err)
			continue
		}
		if err := e.chownFunc(path, uid, gid); err != nil {
			e.logger.Warn("chown %s (rule %s): %v", path, rule.Pattern, err)
		}
	}
	return fired
}

// MatchSubsystem returns the first subsystem rule matching the uevent's
// subsystem and kernel name, or nil.
func (e *Engine) MatchSubsystem(subsystem, kernelName string) *SubsystemRule {
	for _, rule := range e.subsystemRules {
		if rule.Subsystem == subsystem && rule.re.MatchString(kernelName) {
			return rule
		}
	}
	return nil
}

func (e *Engine) resolveOwner(userName, groupName string) (int, int, error) {
	uid := uint32(0)
	gid := uint32(0)
	var err error
	if userName != "" {
		if uid, err = ResolveUser(userName); err != nil {
			return 0, 0, err
		}
	}
	if groupName != "" {
		if gid, err = ResolveGroup(groupName); err != nil {
			return 0, 0, err
		}
	}
	return int(uid), int(gid), nil
}
