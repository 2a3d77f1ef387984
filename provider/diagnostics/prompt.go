package diagnostics

import (
	"fmt"
	"strings"

	"ghosttab/types"
)

const (
	regionStart = "<|editable_region_start|>"
	regionEnd   = "<|editable_region_end|>"
	cursorMark  = "<|user_cursor_is_here|>"

	// lines of read-only context shown around the editable region
	contextLines = 5
)

// region is the inclusive line span the model may rewrite
type region struct {
	start, end int
}

func (r region) lines(doc *types.Document) []string {
	return doc.Lines[r.start : r.end+1]
}

// formatDiagnostic renders one diagnostic the way linters print them:
//
//	Diagnostics in "path/to/file":
//	```diagnostics
//	line 10: [error] undefined: x (source: gopls)
//	```
func formatDiagnostic(path string, d *types.Diagnostic) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Diagnostics in %q:\n```diagnostics\n", path)
	fmt.Fprintf(&b, "line %d: [%s] %s", d.Range.Start.Line+1, d.Severity, d.Message)
	if d.Source != "" {
		fmt.Fprintf(&b, " (source: %s)", d.Source)
	}
	b.WriteString("\n```")
	return b.String()
}

// formatEdits renders recent edits oldest first as small unified diffs
func formatEdits(edits []*types.EditRecord) string {
	var blocks []string
	for i := len(edits) - 1; i >= 0; i-- {
		e := edits[i]
		if e.ContentBefore == e.ContentAfter {
			continue
		}
		before := strings.Split(e.ContentBefore, "\n")
		after := strings.Split(e.ContentAfter, "\n")

		var b strings.Builder
		fmt.Fprintf(&b, "User edited %q:\n```diff\n", e.FilePath)
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", e.LineRange.Start+1, len(before), e.LineRange.Start+1, len(after))
		for _, l := range before {
			b.WriteString("-" + l + "\n")
		}
		for _, l := range after {
			b.WriteString("+" + l + "\n")
		}
		b.WriteString("```")
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n\n")
}

// formatExcerpt writes the document around r with the editable region and
// cursor marked
func formatExcerpt(doc *types.Document, r region, pos types.Position) string {
	var b strings.Builder
	b.WriteString("```" + doc.Path + "\n")

	from := max(0, r.start-contextLines)
	if from == 0 {
		b.WriteString("<|start_of_file|>\n")
	}
	for i := from; i < r.start; i++ {
		b.WriteString(doc.Lines[i] + "\n")
	}

	b.WriteString(regionStart + "\n")
	for i := r.start; i <= r.end; i++ {
		line := doc.Lines[i]
		if i == pos.Line {
			col := min(pos.Character, len(line))
			line = line[:col] + cursorMark + line[col:]
		}
		b.WriteString(line + "\n")
	}
	b.WriteString(regionEnd)

	to := min(doc.LineCount(), r.end+1+contextLines)
	for i := r.end + 1; i < to; i++ {
		b.WriteString("\n" + doc.Lines[i])
	}
	b.WriteString("\n```")
	return b.String()
}

func buildPrompt(edits, diagnostic, excerpt string) string {
	var b strings.Builder
	b.WriteString("### Instruction:\n")
	b.WriteString("You are a code completion assistant. Rewrite the editable region of the excerpt so that the reported diagnostic is fixed, keeping everything else unchanged and taking the user's recent edits into account.\n\n")
	b.WriteString("### User Edits:\n\n")
	b.WriteString(edits)
	b.WriteString("\n\n### Diagnostics:\n\n")
	b.WriteString(diagnostic)
	b.WriteString("\n\n### User Excerpt:\n\n")
	b.WriteString(excerpt)
	b.WriteString("\n\n### Response:\n")
	return b.String()
}

// parseRegion extracts the rewritten region from the model output. The
// output may or may not repeat the start marker and is cut at the end marker.
func parseRegion(text string) string {
	text = strings.ReplaceAll(text, cursorMark, "")
	if i := strings.Index(text, regionStart); i >= 0 {
		text = text[i+len(regionStart):]
		text = strings.TrimPrefix(text, "\n")
	}
	if i := strings.Index(text, regionEnd); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSuffix(text, "\n")
}
