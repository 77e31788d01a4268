package actions

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMkdirCommand(t *testing.T) {
	m, store := newTestManager(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "data", "local")
	registerRC(t, m, store, "on boot\n    mkdir "+target+" 0711\n")

	m.QueueEvent("boot")
	drain(m)

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o711), info.Mode().Perm())
}

func TestMkdirBadModeDefaults(t *testing.T) {
	m, store := newTestManager(t)
	target := filepath.Join(t.TempDir(), "sub")
	registerRC(t, m, store, "on boot\n    mkdir "+target+" notoctal\n")

	m.QueueEvent("boot")
	drain(m)

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestWriteCommand(t *testing.T) {
	m, store := newTestManager(t)
	target := filepath.Join(t.TempDir(), "motd")
	registerRC(t, m, store, `on boot
    write `+target+` "hello world"
`)

	m.QueueEvent("boot")
	drain(m)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestWriteExpandsProperties(t *testing.T) {
	m, store := newTestManager(t)
	target := filepath.Join(t.TempDir(), "serial")
	registerRC(t, m, store, "on boot\n    write "+target+" ${ro.serialno}\n")

	require.NoError(t, store.Set("ro.serialno", "XYZ-1"))
	m.QueueEvent("boot")
	drain(m)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "XYZ-1", string(data))
}

func TestChmodChownCommands(t *testing.T) {
	m, store := newTestManager(t)
	target := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	uid := strconv.Itoa(os.Getuid())
	gid := strconv.Itoa(os.Getgid())
	registerRC(t, m, store, "on boot\n    chmod 0600 "+target+"\n    chown "+uid+" "+gid+" "+target+"\n")

	m.QueueEvent("boot")
	drain(m)

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSymlinkAndCopyAndRemove(t *testing.T) {
	m, store := newTestManager(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	link := filepath.Join(dir, "link")
	gone := filepath.Join(dir, "gone")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))
	require.NoError(t, os.WriteFile(gone, []byte("x"), 0o644))

	registerRC(t, m, store, "on boot\n    copy "+src+" "+dst+"\n    symlink "+src+" "+link+"\n    rm "+gone+"\n")
	m.QueueEvent("boot")
	drain(m)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, src, target)

	_, err = os.Stat(gone)
	assert.True(t, os.IsNotExist(err))
}

func TestCommandFailureContinuesBlock(t *testing.T) {
	m, store := newTestManager(t)
	registerRC(t, m, store, `
on boot
    copy /nonexistent/source /nonexistent/dest
    setprop survived yes
`)

	m.QueueEvent("boot")
	drain(m)
	assert.Equal(t, "yes", store.Get("survived", ""))
}

func TestUnknownVerbSkipped(t *testing.T) {
	m, store := newTestManager(t)
	registerRC(t, m, store, "on boot\n    frobnicate all the things\n    setprop after yes\n")

	m.QueueEvent("boot")
	drain(m)
	assert.Equal(t, "yes", store.Get("after", ""))
}

func TestExecCommand(t *testing.T) {
	m, store := newTestManager(t)
	marker := filepath.Join(t.TempDir(), "ran")
	registerRC(t, m, store, "on boot\n    exec -- /bin/sh -c \"touch "+marker+"\"\n")

	m.QueueEvent("boot")
	drain(m)

	_, err := os.Stat(marker)
	assert.NoError(t, err)
}

func TestSubstitutionAtExecutionTime(t *testing.T) {
	m, store := newTestManager(t)
	registerRC(t, m, store, `
on late
    setprop copied ${source.value}
`)

	// The block is parsed while source.value is unset; the value set
	// afterwards is the one the command must observe.
	require.NoError(t, store.Set("source.value", "fresh"))
	m.QueueEvent("late")
	drain(m)

	assert.Equal(t, "fresh", store.Get("copied", ""))
}
