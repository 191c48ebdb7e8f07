package strings

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		input  []string
		fold   func(string) string
		expect []string
	}{
		{name: "nil", input: nil, expect: nil},
		{name: "only blanks", input: []string{"", "  "}, expect: []string{}},
		{
			name:   "trims and keeps first position",
			input:  []string{" b ", "a", "b", ""},
			expect: []string{"b", "a"},
		},
		{
			name:   "fold makes case-insensitive repeats collapse",
			input:  []string{"ALL", "all", "A1B2"},
			fold:   strings.ToLower,
			expect: []string{"all", "a1b2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, Normalize(tt.input, tt.fold))
		})
	}
}
