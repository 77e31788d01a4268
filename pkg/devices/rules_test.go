package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minimal-systems/sysboot/pkg/logging"
)

type recordedChange struct {
	op   string
	path string
	mode uint32
	uid  int
	gid  int
}

// newRecordingEngine returns an engine whose chmod/chown calls are captured
// instead of hitting the filesystem.
func newRecordingEngine(t *testing.T) (*Engine, *[]recordedChange) {
	t.Helper()
	var changes []recordedChange
	e := NewEngine(logging.New(logging.LevelError))
	e.chmodFunc = func(path string, mode uint32) error {
		changes = append(changes, recordedChange{op: "chmod", path: path, mode: mode})
		return nil
	}
	e.chownFunc = func(path string, uid, gid int) error {
		changes = append(changes, recordedChange{op: "chown", path: path, uid: uid, gid: gid})
		return nil
	}
	return e, &changes
}

func TestPathRuleMatch(t *testing.T) {
	e, changes := newRecordingEngine(t)
	require.NoError(t, e.AddPathRule("/dev/block/sda*", 0o660, "root", "disk"))

	fired := e.ApplyPath("/dev/block/sda1")
	assert.Equal(t, 1, fired)

	require.Len(t, *changes, 2)
	assert.Equal(t, recordedChange{op: "chmod", path: "/dev/block/sda1", mode: 0o660}, (*changes)[0])
	assert.Equal(t, recordedChange{op: "chown", path: "/dev/block/sda1", uid: 0, gid: 6}, (*changes)[1])
}

func TestPathRuleNoMatch(t *testing.T) {
	e, changes := newRecordingEngine(t)
	require.NoError(t, e.AddPathRule("/dev/block/sda*", 0o660, "root", "disk"))

	fired := e.ApplyPath("/dev/null")
	assert.Equal(t, 0, fired)
	assert.Empty(t, *changes)
}

func TestOverlappingRulesLaterWins(t *testing.T) {
	e, changes := newRecordingEngine(t)
	require.NoError(t, e.AddPathRule("/dev/tty*", 0o660, "root", "tty"))
	require.NoError(t, e.AddPathRule("/dev/tty1", 0o600, "root", "root"))

	fired := e.ApplyPath("/dev/tty1")
	assert.Equal(t, 2, fired)

	// Both rules fire in order; the later assignment is the one that sticks.
	require.Len(t, *changes, 4)
	last := (*changes)[len(*changes)-2:]
	assert.Equal(t, uint32(0o600), last[0].mode)
	assert.Equal(t, 0, last[1].gid)
}

func TestGlobQuestionMark(t *testing.T) {
	e, _ := newRecordingEngine(t)
	require.NoError(t, e.AddPathRule("/dev/fb?", 0o660, "root", "graphics"))

	assert.Equal(t, 1, e.ApplyPath("/dev/fb0"))
	assert.Equal(t, 0, e.ApplyPath("/dev/fb10"))
	// Glob metacharacters do not leak regexp syntax.
	assert.Equal(t, 0, e.ApplyPath("/devXfb0"))
}

func TestSubsystemRuleMatch(t *testing.T) {
	e, _ := newRecordingEngine(t)
	require.NoError(t, e.AddSubsystemRule("input", "event*", 0o640, "input", nil))

	rule := e.MatchSubsystem("input", "event3")
	require.NotNil(t, rule)
	assert.Equal(t, uint32(0o640), rule.Mode)
	assert.Equal(t, "input", rule.Group)

	assert.Nil(t, e.MatchSubsystem("block", "event3"))
	assert.Nil(t, e.MatchSubsystem("input", "mouse0"))
}
