package utils

import (
	"sync"
	"unicode/utf8"

	"ghosttab/logger"
	"ghosttab/types"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used when the model has no known encoding
const DefaultEncoding = "cl100k_base"

// TokenCounter counts tokens with a tiktoken encoding, falling back to a
// characters/4 estimate when no encoding can be loaded
type TokenCounter struct {
	model   string
	once    sync.Once
	encoder *tiktoken.Tiktoken
}

// NewTokenCounter returns a counter for model. The encoding loads lazily on first use.
func NewTokenCounter(model string) *TokenCounter {
	return &TokenCounter{model: model}
}

// newHeuristicCounter never loads an encoding
func newHeuristicCounter() *TokenCounter {
	c := &TokenCounter{}
	c.once.Do(func() {})
	return c
}

func (c *TokenCounter) load() {
	c.once.Do(func() {
		if c.model != "" {
			if enc, err := tiktoken.EncodingForModel(c.model); err == nil {
				c.encoder = enc
				return
			}
		}
		enc, err := tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			logger.Warn("tiktoken: %s unavailable, estimating tokens: %v", DefaultEncoding, err)
			return
		}
		c.encoder = enc
	})
}

// Count returns the number of tokens in text
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.load()
	if c.encoder != nil {
		return len(c.encoder.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

// EstimateTokens approximates one token per four characters
func EstimateTokens(text string) int {
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	return (runes + 3) / 4
}

// Window is the part of a document kept after trimming
type Window struct {
	Lines   []string
	Offset  int // lines removed before the window
	Row     int // cursor row inside the window
	Trimmed bool
}

// TrimAroundCursor keeps as many lines around cursorRow as fit in maxTokens,
// spending half the budget above the cursor and half below; budget one side
// leaves unused goes to the other.
func TrimAroundCursor(lines []string, cursorRow, maxTokens int, counter *TokenCounter) Window {
	if len(lines) == 0 {
		return Window{Lines: lines}
	}
	cursorRow = max(0, min(cursorRow, len(lines)-1))
	if maxTokens <= 0 {
		return Window{Lines: lines, Row: cursorRow}
	}

	cost := make([]int, len(lines))
	total := 0
	for i, l := range lines {
		cost[i] = counter.Count(l + "\n")
		total += cost[i]
	}
	if total <= maxTokens {
		return Window{Lines: lines, Row: cursorRow}
	}

	half := (maxTokens - cost[cursorRow]) / 2

	start, before := cursorRow, 0
	for start > 0 && before+cost[start-1] <= half {
		start--
		before += cost[start]
	}

	budgetAfter := half + (half - before)
	end, after := cursorRow, 0
	for end < len(lines)-1 && after+cost[end+1] <= budgetAfter {
		end++
		after += cost[end]
	}

	if unused := budgetAfter - after; unused > 0 {
		for start > 0 && before+cost[start-1] <= half+unused {
			start--
			before += cost[start]
		}
	}

	kept := make([]string, end-start+1)
	copy(kept, lines[start:end+1])
	return Window{Lines: kept, Offset: start, Row: cursorRow - start, Trimmed: true}
}

// TrimEdits keeps the newest edits (the log is newest first) that fit in maxTokens.
// The newest edit is always kept.
func TrimEdits(edits []*types.EditRecord, maxTokens int, counter *TokenCounter) []*types.EditRecord {
	if len(edits) == 0 || maxTokens <= 0 {
		return edits
	}
	total := 0
	for i, e := range edits {
		n := counter.Count(e.ContentBefore) + counter.Count(e.ContentAfter)
		if total+n > maxTokens && i > 0 {
			return edits[:i]
		}
		total += n
	}
	return edits
}
