package discord

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkText(t *testing.T) {
	assert.Nil(t, chunkText("", maxMessageLen))
	assert.Equal(t, []string{"hello"}, chunkText("hello", maxMessageLen))

	// Break lands on the newline when one sits in the back half.
	s := strings.Repeat("a", 1500) + "\n" + strings.Repeat("b", 900)
	chunks := chunkText(s, maxMessageLen)
	require.Len(t, chunks, 2)
	assert.True(t, strings.HasSuffix(chunks[0], "\n"))
	assert.Equal(t, s, strings.Join(chunks, ""))

	// Unbreakable text hard-cuts at the limit.
	long := strings.Repeat("x", maxMessageLen*2+1)
	chunks = chunkText(long, maxMessageLen)
	require.Len(t, chunks, 3)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len(ch), maxMessageLen)
	}
}
