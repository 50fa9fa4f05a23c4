package services

import (
	"strings"
)

// MaxPendingSentence bounds how long a period inside parentheses is held back
// before it is treated as a sentence boundary anyway
const MaxPendingSentence = 512

// SentenceBuffer reassembles streamed fragments into cleaned, complete sentences.
// Output depends only on the concatenated input, never on how it was chunked.
// Not safe for concurrent use.
type SentenceBuffer struct {
	pending string
	scanned int // bytes of pending already inspected
	depth   int // open parentheses in pending[:scanned]
}

// NewSentenceBuffer creates an empty sentence buffer
func NewSentenceBuffer() *SentenceBuffer {
	return &SentenceBuffer{}
}

// Write appends a fragment and returns every sentence it completed, cleaned
func (b *SentenceBuffer) Write(fragment string) []string {
	b.pending += fragment

	var sentences []string
	for {
		cut := b.nextBoundary()
		if cut < 0 {
			return sentences
		}

		sentence := CleanResponseText(b.pending[:cut])
		b.pending = strings.TrimLeft(b.pending[cut:], " \t\r\n")
		b.scanned, b.depth = 0, 0

		if sentence != "" {
			sentences = append(sentences, sentence)
		}
	}
}

// nextBoundary returns the index just past the first period that ends a sentence, or -1
func (b *SentenceBuffer) nextBoundary() int {
	for ; b.scanned < len(b.pending); b.scanned++ {
		switch b.pending[b.scanned] {
		case '(':
			b.depth++
		case ')':
			if b.depth > 0 {
				b.depth--
			}
		case '.':
			// DOIs and other parenthesised citations stay whole
			if b.depth == 0 || b.scanned+1 >= MaxPendingSentence {
				b.scanned++
				return b.scanned
			}
		}
	}
	return -1
}

// Flush returns the cleaned remainder and resets the buffer
func (b *SentenceBuffer) Flush() string {
	rest := CleanResponseText(b.pending)
	b.pending, b.scanned, b.depth = "", 0, 0
	return rest
}
