package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortTruncatesCommit(t *testing.T) {
	assert.Equal(t, "0123456", Info{CommitHash: "0123456789abcdef"}.Short())
	assert.Equal(t, "dev", Info{CommitHash: "dev"}.Short())
}

func TestStringNamesBinary(t *testing.T) {
	s := Get().String()
	assert.Contains(t, s, "relay ")
	assert.Contains(t, s, Get().Platform)
}
