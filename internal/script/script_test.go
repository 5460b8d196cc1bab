package script

import (
	"math/rand"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Hello world.", "Hello world."},
		{"markers", "Paris is the capital[1][2]. It is big [10].", "Paris is the capital. It is big ."},
		{"markdown", "# Title\n**bold** _it_ `code` ~strike~", "Title bold it code strike"},
		{"newlines", "one\r\ntwo\nthree\rfour", "one two three four"},
		{"spaces", "  lots   of\t\tspace  ", "lots of space"},
		{"nested marker", "see [[1]2] and [*3]", "see and"},
		{"empty", "", ""},
		{"only noise", "**[1]**\n\n", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.in))
		})
	}
}

func TestNormalizeInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const alphabet = "ab [12]*_#`~\n\r\t "
	marker := regexp.MustCompile(`\[\d+\]`)

	for i := 0; i < 500; i++ {
		b := make([]byte, rng.Intn(40))
		for j := range b {
			b[j] = alphabet[rng.Intn(len(alphabet))]
		}
		in := string(b)
		out := Normalize(in)

		assert.Equal(t, out, Normalize(out), "not idempotent for %q", in)
		assert.NotContains(t, out, "\n")
		assert.NotContains(t, out, "\r")
		assert.NotContains(t, out, "  ")
		assert.False(t, strings.ContainsAny(out, "*_#`~"), "markdown left in %q", out)
		assert.False(t, marker.MatchString(out), "marker left in %q", out)
		assert.Equal(t, strings.TrimSpace(out), out)
	}
}
