package types

import (
	"strings"
	"time"
)

// CompletionRequestID identifies one completion attempt at one
// (document, position, content version). Used as the speculative cache key.
type CompletionRequestID string

// Kind tags which provider produced a suggestion
type Kind int

const (
	KindNone Kind = iota
	KindFIM
	KindDiagnostics
)

func (k Kind) String() string {
	switch k {
	case KindFIM:
		return "fim"
	case KindDiagnostics:
		return "diagnostics"
	default:
		return "none"
	}
}

// Position is a 0-indexed line/character location in a document
type Position struct {
	Line      int
	Character int
}

// Range is a half-open span between two positions
type Range struct {
	Start Position
	End   Position
}

// IsEmpty reports whether the range covers no text
func (r Range) IsEmpty() bool {
	return r.Start == r.End
}

// Document is a snapshot of an editor buffer
type Document struct {
	URI      string // e.g. "file:///home/me/project/main.go"
	Path     string // workspace-relative path
	Language string // filetype as reported by the editor
	Lines    []string
	Version  int
}

// IsFileScheme reports whether the document is backed by a file on disk
func (d *Document) IsFileScheme() bool {
	return strings.HasPrefix(d.URI, "file://")
}

// Text returns the full document content
func (d *Document) Text() string {
	return strings.Join(d.Lines, "\n")
}

// LineCount returns the number of lines
func (d *Document) LineCount() int {
	return len(d.Lines)
}

// Clamp restricts pos to a valid location in the document
func (d *Document) Clamp(pos Position) Position {
	if len(d.Lines) == 0 {
		return Position{}
	}
	if pos.Line < 0 {
		pos.Line = 0
	}
	if pos.Line >= len(d.Lines) {
		pos.Line = len(d.Lines) - 1
		pos.Character = len(d.Lines[pos.Line])
	}
	if pos.Character < 0 {
		pos.Character = 0
	}
	if pos.Character > len(d.Lines[pos.Line]) {
		pos.Character = len(d.Lines[pos.Line])
	}
	return pos
}

// PrefixSuffix splits the document at pos into the text before and after it
func (d *Document) PrefixSuffix(pos Position) (prefix, suffix string) {
	if len(d.Lines) == 0 {
		return "", ""
	}
	pos = d.Clamp(pos)

	var before, after strings.Builder
	for i := 0; i < pos.Line; i++ {
		before.WriteString(d.Lines[i])
		before.WriteByte('\n')
	}
	line := d.Lines[pos.Line]
	before.WriteString(line[:pos.Character])

	after.WriteString(line[pos.Character:])
	for i := pos.Line + 1; i < len(d.Lines); i++ {
		after.WriteByte('\n')
		after.WriteString(d.Lines[i])
	}
	return before.String(), after.String()
}

// LineEnd returns the position at the end of the given line
func (d *Document) LineEnd(line int) Position {
	if line < 0 || line >= len(d.Lines) {
		return d.Clamp(Position{Line: line})
	}
	return Position{Line: line, Character: len(d.Lines[line])}
}

// CompletionRequest carries everything a provider needs to produce a suggestion
type CompletionRequest struct {
	RequestID   int64
	Document    *Document
	Position    Position
	IsCycling   bool // user asked for alternatives; caches are bypassed
	Diagnostics []*Diagnostic
	RecentEdits []*EditRecord
	OpenFiles   []OpenFile
}

// Completion is a single piece of text to insert over Range
type Completion struct {
	Text  string
	Range Range
}

// Suggestion is what a provider hands back to the race coordinator
type Suggestion struct {
	Kind        Kind
	RequestID   int64
	URI         string
	FilePath    string
	Completions []*Completion
	Diagnostic  *Diagnostic // set when Kind is KindDiagnostics
}

// First returns the first completion or nil
func (s *Suggestion) First() *Completion {
	if s == nil || len(s.Completions) == 0 {
		return nil
	}
	return s.Completions[0]
}

// RaceResult is the outcome of one coordinator cycle.
// Winner is nil when Kind is KindNone.
type RaceResult struct {
	Kind   Kind
	Winner *Suggestion
	Loser  *Suggestion
}

// LineRange is a 0-indexed inclusive line span
type LineRange struct {
	Start int
	End   int
}

// EditRecord is one entry in the recent edits log
type EditRecord struct {
	FilePath        string
	ContentBefore   string
	ContentAfter    string
	Timestamp       time.Time
	LineRange       LineRange
	DocumentVersion int
}

// Severity follows LSP diagnostic severity levels
type Severity int

const (
	SeverityError Severity = iota + 1
	SeverityWarning
	SeverityInformation
	SeverityHint
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityInformation:
		return "information"
	case SeverityHint:
		return "hint"
	default:
		return "error"
	}
}

// Diagnostic is a single language-server diagnostic
type Diagnostic struct {
	Message  string
	Source   string
	Severity Severity
	Range    Range
}

// OpenFile is extra file content sent along with a completion request
type OpenFile struct {
	FilePath string `json:"filepath"`
	Content  string `json:"content"`
}

// ContextResult is what the context gatherer collects for a request
type ContextResult struct {
	Diagnostics []*Diagnostic
	RecentEdits []*EditRecord
	GitDiff     string
}
