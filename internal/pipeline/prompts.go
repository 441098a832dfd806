package pipeline

import (
	"fmt"
	"strings"

	"github.com/noteloom/noteloom/internal/store"
)

// styleInstruction maps a note style to the guidance appended to synthesis prompts.
func styleInstruction(style string) string {
	switch style {
	case store.StyleConcise:
		return "Keep the note short: a tight outline of the core ideas only, roughly one page. Prefer bullet points over prose."
	case store.StyleDetailed:
		return "Write thorough, descriptive notes: cover every major topic with explanations, definitions, and examples from the source material."
	default:
		return "Write balanced study notes: cover the main topics with enough explanation to learn from, without exhaustive detail."
	}
}

func summaryPrompt(chunkText, style string) string {
	var b strings.Builder
	b.WriteString("Summarize the following excerpt from a larger document. ")
	b.WriteString("Capture the key facts, definitions, and arguments in a few sentences. ")
	switch style {
	case store.StyleConcise:
		b.WriteString("Keep it to two or three short sentences. ")
	case store.StyleDetailed:
		b.WriteString("Be generous with detail: keep definitions, examples, and figures. ")
	}
	b.WriteString("Do not add information that is not in the excerpt.\n\n")
	b.WriteString("Excerpt:\n")
	b.WriteString(chunkText)
	return b.String()
}

func synthesisPrompt(filename, style, instructions string, summaries []string) string {
	var b strings.Builder
	b.WriteString("You are writing study notes for the document \"")
	b.WriteString(filename)
	b.WriteString("\" from the ordered section summaries below.\n\n")
	b.WriteString("Produce a single coherent Markdown document with a title, section headings, and bullet points where appropriate. ")
	b.WriteString(styleInstruction(style))
	b.WriteString("\n")
	if instructions != "" {
		b.WriteString("Additional instructions from the reader: ")
		b.WriteString(instructions)
		b.WriteString("\n")
	}
	b.WriteString("\nSection summaries:\n")
	for i, s := range summaries {
		fmt.Fprintf(&b, "\n[%d] %s\n", i+1, s)
	}
	return b.String()
}

// groupReducePrompt condenses a batch of summaries into one intermediate
// summary during hierarchical synthesis.
func groupReducePrompt(summaries []string) string {
	var b strings.Builder
	b.WriteString("Merge the following ordered section summaries into one consolidated summary. ")
	b.WriteString("Preserve the order of topics and all important details.\n")
	for i, s := range summaries {
		fmt.Fprintf(&b, "\n[%d] %s\n", i+1, s)
	}
	return b.String()
}

// correctiveMarkdownPrompt asks the model to reformat a draft that failed
// markdown validation.
func correctiveMarkdownPrompt(draft string) string {
	var b strings.Builder
	b.WriteString("The following study notes are missing proper Markdown structure. ")
	b.WriteString("Rewrite them as valid Markdown with a top-level title heading and section headings. ")
	b.WriteString("Keep the content unchanged.\n\n")
	b.WriteString(draft)
	return b.String()
}

func answerPrompt(question string, passages []string) string {
	var b strings.Builder
	b.WriteString("Answer the question using only the document passages below. ")
	b.WriteString("If the passages do not contain the answer, say so plainly.\n\n")
	b.WriteString("Passages:\n")
	for i, p := range passages {
		fmt.Fprintf(&b, "\n[%d] %s\n", i+1, p)
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\nAnswer:")
	return b.String()
}

// noContextAnswer is returned when retrieval finds nothing relevant.
const noContextAnswer = "I couldn't find anything in this document relevant to your question."

// validMarkdown checks that a synthesized note has minimal structure: at
// least one heading line.
func validMarkdown(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") && strings.TrimLeft(trimmed, "#") != trimmed {
			rest := strings.TrimLeft(trimmed, "#")
			if strings.HasPrefix(rest, " ") && strings.TrimSpace(rest) != "" {
				return true
			}
		}
	}
	return false
}
