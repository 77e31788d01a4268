package rcfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitLine(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{"setprop sys.a b", []string{"setprop", "sys.a", "b"}},
		{"  mkdir   /data  0771 ", []string{"mkdir", "/data", "0771"}},
		{`write /data/motd "hello world"`, []string{"write", "/data/motd", "hello world"}},
		{"start netd # comment", []string{"start", "netd"}},
		{`write /x "quoted # not comment"`, []string{"write", "/x", "quoted # not comment"}},
		{"# whole line comment", nil},
		{"", nil},
		{"\t  \t", nil},
		{`write /x ""`, []string{"write", "/x", ""}},
		{`exec -- /bin/sh -c "a b" c`, []string{"exec", "--", "/bin/sh", "-c", "a b", "c"}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SplitLine(tt.line), "line %q", tt.line)
	}
}
