package buffer

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"ghosttab/logger"
	"ghosttab/types"

	"github.com/cockroachdb/errors"
	"github.com/neovim/go-client/nvim"
)

var errNoClient = errors.New("nvim client not set")

type Config struct {
	NsID          int
	WorkspacePath string // fallback when Neovim does not report a cwd
}

// NvimBuffer mirrors the current Neovim buffer and cursor and renders
// suggestions as ghost text through the Lua side of the plugin.
type NvimBuffer struct {
	client *nvim.Nvim // set per connection via SetClient
	config Config

	mu       sync.Mutex
	id       nvim.Buffer
	uri      string
	path     string // workspace-relative
	language string
	lines    []string
	version  int // b:changedtick
	row      int // 0-indexed
	col      int // 0-indexed byte offset
}

func New(config Config) *NvimBuffer {
	return &NvimBuffer{
		config: config,
		id:     nvim.Buffer(0),
	}
}

// SetClient stores the nvim client for all buffer operations
func (b *NvimBuffer) SetClient(n *nvim.Nvim) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = n
}

func (b *NvimBuffer) nvim() (*nvim.Nvim, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, errNoClient
	}
	return b.client, nil
}

// SyncResult reports whether the current buffer changed since the last Sync
type SyncResult struct {
	BufferChanged bool
	OldURI        string
	NewURI        string
}

// Sync reads the current buffer, cursor and filetype in one round-trip
func (b *NvimBuffer) Sync() (*SyncResult, error) {
	defer logger.Trace("buffer.Sync")()
	client, err := b.nvim()
	if err != nil {
		return nil, err
	}

	batch := client.NewBatch()

	var (
		currentBuf nvim.Buffer
		name       string
		lines      [][]byte
		cursor     [2]int
		cwd        string
		filetype   string
		tick       int
	)
	batch.CurrentBuffer(&currentBuf)
	batch.BufferName(nvim.Buffer(0), &name)
	batch.BufferLines(nvim.Buffer(0), 0, -1, false, &lines)
	batch.WindowCursor(nvim.Window(0), &cursor)
	batch.ExecLua(`return vim.fn.getcwd()`, &cwd, nil)
	batch.ExecLua(`return vim.bo.filetype`, &filetype, nil)
	batch.ExecLua(`return vim.b.changedtick`, &tick, nil)

	if err := batch.Execute(); err != nil {
		logger.Error("error executing sync batch: %v", err)
		return nil, errors.Wrap(err, "sync buffer")
	}

	text := make([]string, len(lines))
	for i, line := range lines {
		text[i] = string(line)
	}
	if cwd == "" {
		cwd = b.config.WorkspacePath
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	res := &SyncResult{OldURI: b.uri, NewURI: toURI(name)}
	res.BufferChanged = b.id != currentBuf

	b.id = currentBuf
	b.uri = res.NewURI
	b.path = makeRelativeToWorkspace(name, cwd)
	b.language = filetype
	b.lines = text
	b.version = tick
	b.row = cursor[0] - 1 // nvim rows are 1-based
	b.col = cursor[1]
	return res, nil
}

// Current returns the state read by the last Sync
func (b *NvimBuffer) Current() (*types.Document, types.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lines == nil {
		return nil, types.Position{}, false
	}
	lines := make([]string, len(b.lines))
	copy(lines, b.lines)
	doc := &types.Document{
		URI:      b.uri,
		Path:     b.path,
		Language: b.language,
		Lines:    lines,
		Version:  b.version,
	}
	return doc, doc.Clamp(types.Position{Line: b.row, Character: b.col}), true
}

func toURI(name string) string {
	if name == "" {
		return ""
	}
	return "file://" + filepath.Clean(name)
}

func makeRelativeToWorkspace(absolutePath, workspacePath string) string {
	if absolutePath == "" {
		return ""
	}
	absolutePath = filepath.Clean(absolutePath)
	workspacePath = filepath.Clean(workspacePath)

	if rel, found := strings.CutPrefix(absolutePath, workspacePath); found {
		return strings.TrimPrefix(rel, string(filepath.Separator))
	}
	return absolutePath
}

// changesBuffer reports whether applying c to lines would alter them
func changesBuffer(lines []string, c *types.Completion) bool {
	doc := &types.Document{Lines: lines}
	start, end := doc.Clamp(c.Range.Start), doc.Clamp(c.Range.End)
	if len(lines) == 0 {
		return c.Text != ""
	}

	var current strings.Builder
	for l := start.Line; l <= end.Line; l++ {
		line := lines[l]
		from, to := 0, len(line)
		if l == start.Line {
			from = start.Character
		}
		if l == end.Line {
			to = end.Character
		}
		if l > start.Line {
			current.WriteByte('\n')
		}
		if from < to {
			current.WriteString(line[from:to])
		}
	}
	return current.String() != c.Text
}

// suggestionPayload is what the Lua renderer receives. Coordinates are 0-indexed.
func suggestionPayload(s *types.Suggestion) map[string]any {
	c := s.First()
	payload := map[string]any{
		"kind":       s.Kind.String(),
		"request_id": s.RequestID,
		"start_line": c.Range.Start.Line,
		"start_col":  c.Range.Start.Character,
		"end_line":   c.Range.End.Line,
		"end_col":    c.Range.End.Character,
		"lines":      strings.Split(c.Text, "\n"),
	}
	if s.Diagnostic != nil {
		payload["diagnostic"] = s.Diagnostic.Message
	}
	return payload
}

// cursorAfter returns where the cursor lands after inserting c
func cursorAfter(c *types.Completion) types.Position {
	lines := strings.Split(c.Text, "\n")
	last := lines[len(lines)-1]
	if len(lines) == 1 {
		return types.Position{Line: c.Range.Start.Line, Character: c.Range.Start.Character + len(last)}
	}
	return types.Position{Line: c.Range.Start.Line + len(lines) - 1, Character: len(last)}
}

// Show renders s as ghost text
func (b *NvimBuffer) Show(s *types.Suggestion) error {
	c := s.First()
	if c == nil {
		return nil
	}
	b.mu.Lock()
	uri, lines := b.uri, b.lines
	b.mu.Unlock()
	if s.URI != "" && s.URI != uri {
		return errors.Newf("suggestion for %s but %s is current", s.URI, uri)
	}
	if !changesBuffer(lines, c) {
		logger.Debug("suggestion %d changes nothing, not shown", s.RequestID)
		return nil
	}

	logger.Debug("sending to lua show: request %d (%s)", s.RequestID, s.Kind)
	return b.execLua("require('ghosttab').show(...)", suggestionPayload(s))
}

// Accept writes the first completion of s into the buffer and moves the
// cursor past it
func (b *NvimBuffer) Accept(s *types.Suggestion) error {
	client, err := b.nvim()
	if err != nil {
		return err
	}
	c := s.First()
	if c == nil {
		return nil
	}

	b.mu.Lock()
	id := b.id
	b.mu.Unlock()

	replacement := make([][]byte, 0, strings.Count(c.Text, "\n")+1)
	for _, line := range strings.Split(c.Text, "\n") {
		replacement = append(replacement, []byte(line))
	}
	pos := cursorAfter(c)

	batch := client.NewBatch()
	b.clearNamespace(batch, id)
	batch.SetBufferText(id, c.Range.Start.Line, c.Range.Start.Character, c.Range.End.Line, c.Range.End.Character, replacement)
	batch.SetWindowCursor(0, [2]int{pos.Line + 1, pos.Character})
	batch.ExecLua("require('ghosttab').on_accept()", nil, nil)
	if err := batch.Execute(); err != nil {
		return errors.Wrapf(err, "apply suggestion %d", s.RequestID)
	}
	return nil
}

// Clear removes any rendered suggestion
func (b *NvimBuffer) Clear() error {
	client, err := b.nvim()
	if err != nil {
		return err
	}
	b.mu.Lock()
	id := b.id
	b.mu.Unlock()

	batch := client.NewBatch()
	b.clearNamespace(batch, id)
	batch.ExecLua("require('ghosttab').clear()", nil, nil)
	return batch.Execute()
}

func (b *NvimBuffer) clearNamespace(batch *nvim.Batch, id nvim.Buffer) {
	batch.ClearBufferNamespace(id, b.config.NsID, 0, -1)
}

func (b *NvimBuffer) execLua(code string, args ...any) error {
	client, err := b.nvim()
	if err != nil {
		return err
	}
	batch := client.NewBatch()
	batch.ExecLua(code, nil, args...)
	if err := batch.Execute(); err != nil {
		logger.Error("error executing lua function: %v", err)
		return err
	}
	return nil
}

// Diagnostics returns the language-server diagnostics of the buffer behind
// uri. Only the current buffer is consulted.
func (b *NvimBuffer) Diagnostics(uri string) []*types.Diagnostic {
	client, err := b.nvim()
	if err != nil {
		return nil
	}
	b.mu.Lock()
	id, current := b.id, b.uri
	b.mu.Unlock()
	if uri != current {
		return nil
	}

	batch := client.NewBatch()
	var raw []map[string]any
	batch.ExecLua(fmt.Sprintf(`return vim.diagnostic.get(%d)`, int(id)), &raw, nil)
	if err := batch.Execute(); err != nil {
		logger.Error("error getting diagnostics: %v", err)
		return nil
	}
	return convertDiagnostics(raw)
}

func convertDiagnostics(raw []map[string]any) []*types.Diagnostic {
	if len(raw) == 0 {
		return nil
	}
	out := make([]*types.Diagnostic, 0, len(raw))
	for _, d := range raw {
		lnum := getNumber(d, "lnum")
		if lnum < 0 {
			continue
		}
		col := max(getNumber(d, "col"), 0)
		endLnum, endCol := lnum, col
		if v := getNumber(d, "end_lnum"); v != -1 {
			endLnum = v
		}
		if v := getNumber(d, "end_col"); v != -1 {
			endCol = v
		}

		severity := types.Severity(getNumber(d, "severity"))
		if severity < types.SeverityError || severity > types.SeverityHint {
			severity = types.SeverityError
		}

		out = append(out, &types.Diagnostic{
			Message:  getString(d, "message"),
			Source:   getString(d, "source"),
			Severity: severity,
			Range: types.Range{
				Start: types.Position{Line: lnum, Character: col},
				End:   types.Position{Line: endLnum, Character: endCol},
			},
		})
	}
	return out
}

// RegisterEventHandler routes ghosttab_event(name) notifications to handler
func (b *NvimBuffer) RegisterEventHandler(handler func(event string)) error {
	client, err := b.nvim()
	if err != nil {
		return err
	}
	return client.RegisterHandler("ghosttab_event", func(_ *nvim.Nvim, event string) {
		handler(event)
	})
}

// RegisterCloseHandler routes ghosttab_buf_close(path) notifications to
// handler with the closed buffer's URI
func (b *NvimBuffer) RegisterCloseHandler(handler func(uri string)) error {
	client, err := b.nvim()
	if err != nil {
		return err
	}
	return client.RegisterHandler("ghosttab_buf_close", func(_ *nvim.Nvim, path string) {
		handler(toURI(path))
	})
}

// RegisterAPIKeyHandler routes ghosttab_api_key(key) calls to handler
func (b *NvimBuffer) RegisterAPIKeyHandler(handler func(key string) int) error {
	client, err := b.nvim()
	if err != nil {
		return err
	}
	return client.RegisterHandler("ghosttab_api_key", func(_ *nvim.Nvim, key string) (int, error) {
		return handler(key), nil
	})
}

func getString(m map[string]any, key string) string {
	if val, ok := m[key].(string); ok {
		return val
	}
	return ""
}

// getNumber reads a msgpack number of any width, or -1
func getNumber(m map[string]any, key string) int {
	switch val := m[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case int32:
		return int(val)
	case uint64:
		return int(val)
	case float64:
		return int(val)
	}
	return -1
}
