package rcfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minimal-systems/sysboot/pkg/logging"
	"github.com/minimal-systems/sysboot/pkg/properties"
)

func TestExpandProps(t *testing.T) {
	store := properties.NewStore(logging.New(logging.LevelError))
	require.NoError(t, store.Set("ro.hw", "pi"))
	require.NoError(t, store.Set("sys.serial", "abc123"))

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"hw_${ro.hw}.rc", "hw_pi.rc"},
		{"${ro.hw}${sys.serial}", "piabc123"},
		{"${unset.key}", ""},
		{"prefix-${unset.key}-suffix", "prefix--suffix"},
		{"dangling ${open", "dangling ${open"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandProps(tt.in, store), "input %q", tt.in)
	}
}

func TestExpandArgsUsesCurrentValue(t *testing.T) {
	store := properties.NewStore(logging.New(logging.LevelError))
	args := []string{"sys.copy", "${sys.source}"}

	// Unset at first: expands empty.
	assert.Equal(t, []string{"sys.copy", ""}, ExpandArgs(args, store))

	// The same args expand differently once the property changes: the
	// parse-time representation keeps the reference, not the value.
	require.NoError(t, store.Set("sys.source", "late"))
	assert.Equal(t, []string{"sys.copy", "late"}, ExpandArgs(args, store))
}
