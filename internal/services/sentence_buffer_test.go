package services

import (
	"reflect"
	"strings"
	"testing"
)

// partitions returns every way of splitting s into contiguous non-empty chunks
func partitions(s string) [][]string {
	if len(s) <= 1 {
		return [][]string{{s}}
	}
	var out [][]string
	for mask := 0; mask < 1<<(len(s)-1); mask++ {
		var chunks []string
		start := 0
		for i := 1; i < len(s); i++ {
			if mask&(1<<(i-1)) != 0 {
				chunks = append(chunks, s[start:i])
				start = i
			}
		}
		chunks = append(chunks, s[start:])
		out = append(out, chunks)
	}
	return out
}

func feed(chunks []string) []string {
	buf := NewSentenceBuffer()
	var out []string
	for _, c := range chunks {
		out = append(out, buf.Write(c)...)
	}
	if rest := buf.Flush(); rest != "" {
		out = append(out, rest)
	}
	return out
}

func TestSentenceBuffer_ChunkInvariance(t *testing.T) {
	want := []string{"A.", "B.", "C"}

	all := partitions("A.B.C")
	if len(all) != 16 {
		t.Fatalf("expected 16 partitions, got %d", len(all))
	}
	for _, chunks := range all {
		if got := feed(chunks); !reflect.DeepEqual(got, want) {
			t.Errorf("partition %q produced %q, want %q", chunks, got, want)
		}
	}
}

func TestSentenceBuffer_EmitsAsSoonAsComplete(t *testing.T) {
	buf := NewSentenceBuffer()

	if got := buf.Write("Hello wor"); len(got) != 0 {
		t.Fatalf("incomplete sentence emitted: %q", got)
	}
	got := buf.Write("ld. How are")
	if len(got) != 1 || got[0] != "Hello world." {
		t.Fatalf("Write = %q, want [Hello world.]", got)
	}
	if rest := buf.Flush(); rest != "How are" {
		t.Errorf("Flush = %q, want %q", rest, "How are")
	}
	if rest := buf.Flush(); rest != "" {
		t.Errorf("second Flush = %q, want empty", rest)
	}
}

func TestSentenceBuffer_SkipsEmptySegments(t *testing.T) {
	if got := feed([]string{"**", "  ", "\n"}); len(got) != 0 {
		t.Errorf("markup-only stream produced %q", got)
	}
}

func TestSentenceBuffer_KeepsCitationsWhole(t *testing.T) {
	text := "See Smith (DOI: 10.1000/x.y) for details. Next."
	want := []string{
		`<a href="https://doi.org/10.1000/x.y">See Smith</a> for details.`,
		"Next.",
	}

	for _, chunks := range [][]string{{text}, strings.Split(text, "")} {
		if got := feed(chunks); !reflect.DeepEqual(got, want) {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestSentenceBuffer_UnclosedParenthesisIsBounded(t *testing.T) {
	long := "(" + strings.Repeat("a", 600) + ". rest"

	buf := NewSentenceBuffer()
	got := buf.Write(long)
	if len(got) != 1 {
		t.Fatalf("expected a forced cut, got %d sentences", len(got))
	}
	if rest := buf.Flush(); rest != "rest" {
		t.Errorf("Flush = %q, want rest", rest)
	}
}
