package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterControlChars(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "ok: [work]", "ok: [work]"},
		{"whitespace kept", "line1\nline2\ttabbed\r", "line1\nline2\ttabbed\r"},
		{"sgr reset kept", "\x1b[0mdone", "\x1b[0mdone"},
		{"green kept", "\x1b[0;32mok\x1b[0m", "\x1b[0;32mok\x1b[0m"},
		{"bold red kept", "\x1b[1;31mfatal\x1b[0m", "\x1b[1;31mfatal\x1b[0m"},
		{"cursor movement filtered", "\x1b[2Jcleared", "_[2Jcleared"},
		{"background color filtered", "\x1b[0;42mgreenbg", "_[0;42mgreenbg"},
		{"bell kept", "ding\a", "ding\a"},
		{"null filtered", "a\x00b", "a_b"},
		{"high bytes filtered", "caf\xc3\xa9", "caf__"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(FilterControlChars([]byte(tt.in))))
		})
	}
}
