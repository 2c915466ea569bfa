package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestText_KnownVector(t *testing.T) {
	// sha256("hello") is a fixed vector.
	assert.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		Text("hello"))
}

func TestBytes_MatchesText(t *testing.T) {
	assert.Equal(t, Text("abc"), Bytes([]byte("abc")))
}

func TestText_EmptyInput(t *testing.T) {
	// Empty content still has a stable identity.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Text(""))
}

func TestText_DiffersOnWhitespace(t *testing.T) {
	assert.NotEqual(t, Text("a b"), Text("a  b"))
}
