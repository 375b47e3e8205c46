package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkEmptyInput(t *testing.T) {
	require.Empty(t, Chunk("", DefaultOptions()))
	require.Empty(t, Chunk("   \n\t  ", DefaultOptions()))
}

func TestChunkSingleWord(t *testing.T) {
	chunks := Chunk("hello", DefaultOptions())
	require.Len(t, chunks, 1)
	require.Equal(t, 1, chunks[0].WordCount)
	require.Equal(t, "hello", chunks[0].Text)
}

func TestChunkSmallInputOneChunk(t *testing.T) {
	text := strings.Repeat("word ", 20)
	chunks := Chunk(text, Options{TargetWords: 400, MinWords: 10, MaxWords: 600, OverlapWords: 20})
	require.Len(t, chunks, 1)
	require.Equal(t, BoundaryEnd, chunks[0].BoundaryKind)
}

func TestChunkPrefersParagraphBoundary(t *testing.T) {
	para1 := strings.Repeat("alpha ", 50)
	para2 := strings.Repeat("beta ", 50)
	text := para1 + "\n\n" + para2
	opt := Options{TargetWords: 40, MinWords: 5, MaxWords: 70, OverlapWords: 5}
	chunks := Chunk(text, opt)
	require.GreaterOrEqual(t, len(chunks), 1)
	require.Equal(t, BoundaryParagraph, chunks[0].BoundaryKind)
}

func TestChunkOffsetsAreByteExact(t *testing.T) {
	text := "one two three four five six seven eight nine ten"
	chunks := Chunk(text, Options{TargetWords: 3, MinWords: 1, MaxWords: 5, OverlapWords: 1})
	for _, c := range chunks {
		require.Equal(t, c.Text, text[c.StartOffset:c.EndOffset])
	}
}

func TestChunkOverlapNeverBeforeStart(t *testing.T) {
	text := strings.Repeat("a ", 30)
	opt := Options{TargetWords: 5, MinWords: 1, MaxWords: 8, OverlapWords: 100}
	chunks := Chunk(text, opt)
	require.NotEmpty(t, chunks)
	for i := 1; i < len(chunks); i++ {
		require.GreaterOrEqual(t, chunks[i].StartOffset, chunks[i-1].StartOffset)
	}
}
