// Package edits keeps a short most-recent-first log of meaningful edits so
// providers can avoid suggesting what the user just wrote or removed.
package edits

import (
	"strings"
	"sync"
	"unicode/utf8"

	"ghosttab/clock"
	"ghosttab/logger"
	"ghosttab/types"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Ellipsis marks a truncated snippet
const Ellipsis = "..."

type Config struct {
	MaxEntries   int
	MinLength    int
	MaxLength    int
	ContextLines int
}

// DefaultConfig mirrors the configuration defaults
func DefaultConfig() Config {
	return Config{MaxEntries: 20, MinLength: 10, MaxLength: 200, ContextLines: 2}
}

// Change is one host-reported content change. A nil Range means the host did
// not say where the change happened and the tracker diffs the snapshots.
type Change struct {
	Range *types.Range // pre-change coordinates
	Text  string
}

type snapshot struct {
	lines   []string
	version int
}

// Tracker owns the edit log and one content snapshot per open document
type Tracker struct {
	mu        sync.Mutex
	clock     clock.Clock
	config    Config
	dmp       *diffmatchpatch.DiffMatchPatch
	snapshots map[string]*snapshot
	edits     []*types.EditRecord // newest first
}

func NewTracker(config Config, clk clock.Clock) *Tracker {
	return &Tracker{
		clock:     clk,
		config:    config,
		dmp:       diffmatchpatch.New(),
		snapshots: make(map[string]*snapshot),
	}
}

// Open records the initial content of a document
func (t *Tracker) Open(doc *types.Document) {
	if !doc.IsFileScheme() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshots[doc.URI] = newSnapshot(doc)
}

// Close discards the snapshot of a document
func (t *Tracker) Close(uri string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.snapshots, uri)
}

// OnChange records an edit. doc holds the content after the change.
// Returns the record that was stored or updated, or nil when the change was
// ignored (non-file document, empty change list, noise, or no snapshot yet).
func (t *Tracker) OnChange(doc *types.Document, changes []Change) *types.EditRecord {
	if !doc.IsFileScheme() || len(changes) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.snapshots[doc.URI]
	t.snapshots[doc.URI] = newSnapshot(doc)
	if !ok {
		return nil
	}

	span, changed := t.changedSpan(prev.lines, doc.Lines, changes)
	if !changed {
		return nil
	}

	oldBlock := strings.Join(slice(prev.lines, span.oldStart, span.oldEnd), "\n")
	newBlock := strings.Join(slice(doc.Lines, span.newStart, span.newEnd), "\n")
	if t.isNoise(oldBlock) && t.isNoise(newBlock) {
		logger.Trace("edits: dropped short edit")()
		return nil
	}

	ctx := t.config.ContextLines
	before := strings.Join(slice(prev.lines, span.oldStart-ctx, span.oldEnd+ctx), "\n")
	after := strings.Join(slice(doc.Lines, span.newStart-ctx, span.newEnd+ctx), "\n")

	lineRange := types.LineRange{Start: span.newStart, End: max(span.newStart, span.newEnd-1)}
	record := &types.EditRecord{
		FilePath:        doc.Path,
		ContentBefore:   Truncate(before, t.config.MaxLength),
		ContentAfter:    Truncate(after, t.config.MaxLength),
		Timestamp:       t.clock.Now(),
		LineRange:       lineRange,
		DocumentVersion: doc.Version,
	}

	// keep typing on the same lines as one edit
	if len(t.edits) > 0 {
		last := t.edits[0]
		if last.FilePath == record.FilePath && overlaps(last.LineRange, record.LineRange) {
			last.ContentAfter = record.ContentAfter
			last.LineRange = record.LineRange
			last.Timestamp = record.Timestamp
			last.DocumentVersion = record.DocumentVersion
			return copyRecord(last)
		}
	}

	t.edits = append([]*types.EditRecord{record}, t.edits...)
	if len(t.edits) > t.config.MaxEntries {
		t.edits = t.edits[:t.config.MaxEntries]
	}
	return copyRecord(record)
}

// Recent returns up to limit records, newest first. limit <= 0 returns all.
func (t *Tracker) Recent(limit int) []*types.EditRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.edits)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*types.EditRecord, n)
	for i := 0; i < n; i++ {
		out[i] = copyRecord(t.edits[i])
	}
	return out
}

// Len returns the number of stored records
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.edits)
}

// Dispose drops all records and snapshots
func (t *Tracker) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.edits = nil
	t.snapshots = make(map[string]*snapshot)
}

func (t *Tracker) isNoise(block string) bool {
	return len(strings.TrimSpace(block)) < t.config.MinLength
}

// span is a pair of half-open line ranges: the replaced lines in the old
// content and their replacement in the new content
type span struct {
	oldStart, oldEnd int
	newStart, newEnd int
}

func (t *Tracker) changedSpan(oldLines, newLines []string, changes []Change) (span, bool) {
	ranged := true
	for _, c := range changes {
		if c.Range == nil {
			ranged = false
			break
		}
	}
	if ranged {
		return rangedSpan(oldLines, newLines, changes)
	}
	return t.diffSpan(oldLines, newLines)
}

// rangedSpan unions host-reported ranges. Line count drift is applied to the end.
func rangedSpan(oldLines, newLines []string, changes []Change) (span, bool) {
	s := span{oldStart: changes[0].Range.Start.Line, oldEnd: changes[0].Range.End.Line + 1}
	for _, c := range changes[1:] {
		s.oldStart = min(s.oldStart, c.Range.Start.Line)
		s.oldEnd = max(s.oldEnd, c.Range.End.Line+1)
	}
	s.oldStart = clampIndex(s.oldStart, len(oldLines))
	s.oldEnd = clampIndex(s.oldEnd, len(oldLines))
	s.newStart = clampIndex(s.oldStart, len(newLines))
	s.newEnd = clampIndex(s.oldEnd+len(newLines)-len(oldLines), len(newLines))
	if s.newEnd < s.newStart {
		s.newEnd = s.newStart
	}
	return s, true
}

// diffSpan finds the first and last differing lines with a line-mode diff
func (t *Tracker) diffSpan(oldLines, newLines []string) (span, bool) {
	oldText := strings.Join(oldLines, "\n") + "\n"
	newText := strings.Join(newLines, "\n") + "\n"
	if oldText == newText {
		return span{}, false
	}

	a, b, lineArray := t.dmp.DiffLinesToChars(oldText, newText)
	diffs := t.dmp.DiffCharsToLines(t.dmp.DiffMain(a, b, false), lineArray)

	var s span
	found := false
	oldLine, newLine := 0, 0
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if d.Type != diffmatchpatch.DiffEqual && !found {
			s.oldStart, s.newStart = oldLine, newLine
			found = true
		}
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			oldLine += n
			newLine += n
		case diffmatchpatch.DiffDelete:
			oldLine += n
			s.oldEnd, s.newEnd = oldLine, newLine
		case diffmatchpatch.DiffInsert:
			newLine += n
			s.oldEnd, s.newEnd = oldLine, newLine
		}
	}
	return s, found
}

// Truncate shortens s so the result, including Ellipsis, is at most maxLen bytes
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen - len(Ellipsis)
	if cut <= 0 {
		return Ellipsis[:maxLen]
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + Ellipsis
}

func newSnapshot(doc *types.Document) *snapshot {
	lines := make([]string, len(doc.Lines))
	copy(lines, doc.Lines)
	return &snapshot{lines: lines, version: doc.Version}
}

func slice(lines []string, start, end int) []string {
	start = clampIndex(start, len(lines))
	end = clampIndex(end, len(lines))
	if start >= end {
		return nil
	}
	return lines[start:end]
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

func overlaps(a, b types.LineRange) bool {
	return a.Start <= b.End && b.Start <= a.End
}

func copyRecord(r *types.EditRecord) *types.EditRecord {
	c := *r
	return &c
}
