package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/minimal-systems/sysboot/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.LevelError)
}

func TestParseCapability(t *testing.T) {
	tests := []struct {
		name string
		want Capability
	}{
		{"CAP_NET_ADMIN", unix.CAP_NET_ADMIN},
		{"net_admin", unix.CAP_NET_ADMIN},
		{"NET_RAW", unix.CAP_NET_RAW},
		{"cap_sys_boot", unix.CAP_SYS_BOOT},
		{"chown", unix.CAP_CHOWN},
	}
	for _, tt := range tests {
		got, err := ParseCapability(tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestParseCapabilityUnknown(t *testing.T) {
	_, err := ParseCapability("CAP_TIME_TRAVEL")
	assert.Error(t, err)
}

func TestCapabilityName(t *testing.T) {
	assert.Equal(t, "CAP_NET_ADMIN", CapabilityName(unix.CAP_NET_ADMIN))
	assert.Equal(t, "CAP_SETPCAP", CapabilityName(unix.CAP_SETPCAP))
}

func TestAmbientCapsIncludeTransientSetpcap(t *testing.T) {
	def := NewDefinition("capsvc", "/bin/x", nil)
	def.Capabilities = []Capability{unix.CAP_NET_BIND_SERVICE}

	s := NewSupervisor(nil, testLogger())
	cmd, err := s.buildCommand(def)
	require.NoError(t, err)

	require.NotNil(t, cmd.SysProcAttr)
	assert.ElementsMatch(t,
		[]uintptr{unix.CAP_NET_BIND_SERVICE, unix.CAP_SETPCAP},
		cmd.SysProcAttr.AmbientCaps)

	// The launch routes through the in-process shim.
	assert.Equal(t, "/proc/self/exe", cmd.Path)
	require.GreaterOrEqual(t, len(cmd.Args), 4)
	assert.Equal(t, ShimFlag, cmd.Args[1])
	assert.Equal(t, "/bin/x", cmd.Args[3])
}

func TestCapsArgRoundTrip(t *testing.T) {
	in := []Capability{unix.CAP_CHOWN, unix.CAP_NET_RAW, unix.CAP_SYS_TIME}
	out, err := parseCapsArg(capsArg(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
