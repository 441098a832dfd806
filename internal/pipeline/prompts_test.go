package pipeline

import (
	"strings"
	"testing"

	"github.com/noteloom/noteloom/internal/store"
)

func TestValidMarkdown(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"# Title\n\nSome text", true},
		{"intro\n\n## Section\nbody", true},
		{"no structure at all, just prose", false},
		{"#hashtag is not a heading", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := validMarkdown(tc.text); got != tc.want {
			t.Errorf("validMarkdown(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestSynthesisPromptCarriesStyleAndInstructions(t *testing.T) {
	p := synthesisPrompt("lecture.pdf", store.StyleConcise, "focus on dates", []string{"sum one", "sum two"})
	if !strings.Contains(p, "lecture.pdf") {
		t.Error("prompt should name the document")
	}
	if !strings.Contains(p, styleInstruction(store.StyleConcise)) {
		t.Error("prompt should include the style guidance")
	}
	if !strings.Contains(p, "focus on dates") {
		t.Error("prompt should include reader instructions")
	}
	if !strings.Contains(p, "[2] sum two") {
		t.Error("prompt should number the summaries in order")
	}
}

func TestSummaryPromptCarriesStyle(t *testing.T) {
	concise := summaryPrompt("excerpt text", store.StyleConcise)
	detailed := summaryPrompt("excerpt text", store.StyleDetailed)
	if !strings.Contains(concise, "excerpt text") {
		t.Error("prompt should include the excerpt")
	}
	if concise == detailed {
		t.Error("concise and detailed prompts should differ")
	}
	if !strings.Contains(concise, "two or three short sentences") {
		t.Errorf("concise guidance missing: %q", concise)
	}
	if !strings.Contains(detailed, "generous with detail") {
		t.Errorf("detailed guidance missing: %q", detailed)
	}
}

func TestStyleInstructionFallsBackToBalanced(t *testing.T) {
	if styleInstruction("unknown") != styleInstruction(store.StyleBalanced) {
		t.Error("unknown style should use the balanced guidance")
	}
}

func TestAnswerPromptIncludesPassages(t *testing.T) {
	p := answerPrompt("when was it signed?", []string{"passage a", "passage b"})
	if !strings.Contains(p, "passage b") || !strings.Contains(p, "when was it signed?") {
		t.Errorf("incomplete answer prompt: %q", p)
	}
}
