// Package chunker splits unstructured text into overlapping, boundary-
// aware chunks, per spec §4.3. It generalizes the teacher's
// internal/rag/chunker/chunker.go (char-based sliding window) to the
// spec's word-count targets and explicit boundary-kind preference order,
// enriched by the section/paragraph/sentence cascade in
// C360Studio-semspec's source/chunker/chunker.go.
package chunker

import (
	"regexp"
	"strings"
	"unicode"
)

// BoundaryKind records which rule decided a chunk's end offset.
type BoundaryKind string

const (
	BoundaryParagraph BoundaryKind = "paragraph"
	BoundarySentence  BoundaryKind = "sentence"
	BoundaryPause     BoundaryKind = "pause"
	BoundaryHardCut   BoundaryKind = "hard_cut"
	BoundaryEnd       BoundaryKind = "end_of_text"
)

// Chunk is one emitted unit, with byte-exact offsets into the original text.
type Chunk struct {
	Index        int
	StartOffset  int
	EndOffset    int
	Text         string
	WordCount    int
	BoundaryKind BoundaryKind
}

// Options parameterizes the chunk boundary search.
type Options struct {
	TargetWords  int
	MinWords     int
	MaxWords     int
	OverlapWords int
}

// DefaultOptions matches the teacher's SimpleChunker default of roughly
// 512-token chunks, translated to a words-based target.
func DefaultOptions() Options {
	return Options{TargetWords: 400, MinWords: 50, MaxWords: 600, OverlapWords: 60}
}

func (o Options) normalized() Options {
	if o.TargetWords <= 0 {
		o.TargetWords = 400
	}
	if o.MaxWords <= 0 || o.MaxWords < o.TargetWords {
		o.MaxWords = o.TargetWords + o.TargetWords/2
	}
	if o.MinWords < 0 {
		o.MinWords = 0
	}
	if o.OverlapWords < 0 {
		o.OverlapWords = 0
	}
	if o.OverlapWords >= o.TargetWords {
		o.OverlapWords = o.TargetWords / 4
	}
	return o
}

var (
	paragraphBreakRe = regexp.MustCompile(`\n\s*\n`)
	sentenceEndRe    = regexp.MustCompile(`[.!?]["')\]]?\s+[A-Z0-9]`)
	pauseRe          = regexp.MustCompile(`[;]|\x{2014}|\x{2026}|\.\.\.`)
)

type word struct {
	start, end int // byte offsets into text
}

// tokenizeWords locates word spans by byte offset, skipping whitespace-only
// regions, so downstream boundary search can walk words while still
// reporting byte-exact offsets.
func tokenizeWords(text string) []word {
	var words []word
	inWord := false
	start := 0
	runes := []rune(text)
	byteOffsets := make([]int, len(runes)+1)
	b := 0
	for i, r := range runes {
		byteOffsets[i] = b
		b += utf8RuneLen(r)
	}
	byteOffsets[len(runes)] = b

	for i, r := range runes {
		if unicode.IsSpace(r) {
			if inWord {
				words = append(words, word{start: start, end: byteOffsets[i]})
				inWord = false
			}
			continue
		}
		if !inWord {
			start = byteOffsets[i]
			inWord = true
		}
	}
	if inWord {
		words = append(words, word{start: start, end: byteOffsets[len(runes)]})
	}
	return words
}

func utf8RuneLen(r rune) int {
	switch {
	case r < 0x80:
		return 1
	case r < 0x800:
		return 2
	case r < 0x10000:
		return 3
	default:
		return 4
	}
}

// Chunk splits text into a sequence of Chunks per opt. It returns an empty
// slice for empty or whitespace-only input.
func Chunk(text string, opt Options) []Chunk {
	opt = opt.normalized()
	words := tokenizeWords(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []Chunk
	wordIdx := 0
	index := 0

	for wordIdx < len(words) {
		chunkStartWord := wordIdx
		startOffset := words[chunkStartWord].start

		targetWordIdx := chunkStartWord + opt.TargetWords - 1
		if targetWordIdx >= len(words) {
			// Remaining words fit in one final chunk.
			endOffset := words[len(words)-1].end
			chunks = append(chunks, Chunk{
				Index: index, StartOffset: startOffset, EndOffset: endOffset,
				Text: text[startOffset:endOffset], WordCount: len(words) - chunkStartWord,
				BoundaryKind: BoundaryEnd,
			})
			break
		}

		maxWordIdx := chunkStartWord + opt.MaxWords - 1
		if maxWordIdx >= len(words) {
			maxWordIdx = len(words) - 1
		}

		endWordIdx, kind := findBestBoundary(text, words, targetWordIdx, maxWordIdx)
		endOffset := words[endWordIdx].end

		chunks = append(chunks, Chunk{
			Index: index, StartOffset: startOffset, EndOffset: endOffset,
			Text: text[startOffset:endOffset], WordCount: endWordIdx - chunkStartWord + 1,
			BoundaryKind: kind,
		})
		index++

		if endWordIdx == len(words)-1 {
			break
		}

		// Next chunk starts overlapWords before this boundary, but never
		// before this chunk's own start (spec §4.3).
		nextStart := endWordIdx + 1 - opt.OverlapWords
		if nextStart <= chunkStartWord {
			nextStart = endWordIdx + 1
		}
		wordIdx = nextStart
	}

	return chunks
}

// findBestBoundary searches the window [targetIdx, maxIdx] for the best
// boundary in preference order: paragraph break, sentence terminator,
// natural pause. Falls back to a hard cut at maxIdx.
func findBestBoundary(text string, words []word, targetIdx, maxIdx int) (int, BoundaryKind) {
	if targetIdx >= len(words) {
		targetIdx = len(words) - 1
	}
	if maxIdx >= len(words) {
		maxIdx = len(words) - 1
	}

	windowEnd := words[maxIdx].end
	windowStart := words[targetIdx].end

	if idx, ok := bestMatchInRange(text, words, targetIdx, maxIdx, paragraphBreakRe, windowStart, windowEnd); ok {
		return idx, BoundaryParagraph
	}
	if idx, ok := bestMatchInRange(text, words, targetIdx, maxIdx, sentenceEndRe, windowStart, windowEnd); ok {
		return idx, BoundarySentence
	}
	if idx, ok := bestMatchInRange(text, words, targetIdx, maxIdx, pauseRe, windowStart, windowEnd); ok {
		return idx, BoundaryPause
	}
	return maxIdx, BoundaryHardCut
}

// bestMatchInRange finds the word index whose end offset is closest to (but
// not before) the first regex match at or after windowStart, within
// [windowStart, windowEnd]. It prefers the earliest match at or after the
// target so chunks don't run long when a boundary is available sooner.
func bestMatchInRange(text string, words []word, targetIdx, maxIdx int, re *regexp.Regexp, windowStart, windowEnd int) (int, bool) {
	if windowStart >= windowEnd || windowStart >= len(text) {
		return 0, false
	}
	sub := text[windowStart:min(windowEnd, len(text))]
	loc := re.FindStringIndex(sub)
	if loc == nil {
		return 0, false
	}
	matchOffset := windowStart + loc[0]

	// Map matchOffset to the nearest word boundary at or after it, within range.
	for i := targetIdx; i <= maxIdx; i++ {
		if words[i].end >= matchOffset {
			return i, true
		}
	}
	return 0, false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Reassemble concatenates chunk texts with the configured word overlap
// removed, reproducing the original boundary-to-boundary text. Used by the
// round-trip testable property in spec §8. It assumes chunks were produced
// by Chunk with the same opt.
func Reassemble(chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	lastEnd := -1
	for _, c := range chunks {
		if c.StartOffset < lastEnd {
			// overlapping region: only append the non-overlapping tail
			overlapLen := lastEnd - c.StartOffset
			if overlapLen < len(c.Text) {
				b.WriteString(c.Text[overlapLen:])
			}
		} else {
			b.WriteString(c.Text)
		}
		lastEnd = c.EndOffset
	}
	return b.String()
}
