package gateway

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitShortTextIsOneChunk(t *testing.T) {
	assert.Equal(t, []string{"hello"}, Split("hello", 2000))
	assert.Nil(t, Split("", 2000))
}

func TestSplitPrefersNewlineBoundary(t *testing.T) {
	text := strings.Repeat("a", 10) + "\n" + strings.Repeat("b", 10)
	chunks := Split(text, 15)

	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 10)+"\n", chunks[0])
	assert.Equal(t, strings.Repeat("b", 10), chunks[1])
}

func TestSplitFallsBackToSpaceBoundary(t *testing.T) {
	text := "alpha beta gamma delta"
	chunks := Split(text, 12)

	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), 12)
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestSplitHardCutsUnbrokenText(t *testing.T) {
	text := strings.Repeat("x", 45)
	chunks := Split(text, 20)

	require.Len(t, chunks, 3)
	assert.Equal(t, 20, len(chunks[0]))
	assert.Equal(t, 20, len(chunks[1]))
	assert.Equal(t, 5, len(chunks[2]))
}

func TestSplitConcatenationIsLossless(t *testing.T) {
	inputs := []string{
		strings.Repeat("word ", 1000),
		strings.Repeat("line one\nline two\n", 300),
		strings.Repeat("x", 4500),
		"short",
	}
	for _, text := range inputs {
		chunks := Split(text, 2000)
		assert.Equal(t, text, strings.Join(chunks, ""))
		for _, chunk := range chunks {
			assert.LessOrEqual(t, len(chunk), 2000)
			assert.NotEmpty(t, chunk)
		}
	}
}

func TestSplitDoesNotBreakRunes(t *testing.T) {
	text := strings.Repeat("é", 30) // 2 bytes each
	chunks := Split(text, 7)

	assert.Equal(t, text, strings.Join(chunks, ""))
	for _, chunk := range chunks {
		assert.True(t, strings.HasPrefix(chunk, "é"), "chunk must start on a rune boundary")
	}
}
