package fim

import (
	"strings"
	"sync"
)

// shown is the completion currently rendered in a file and the text around
// the cursor at the moment it was produced
type shown struct {
	prefix string
	suffix string
	text   string
}

// ghostText remembers the visible completion per file so typing through it
// is answered without a request
type ghostText struct {
	mu     sync.Mutex
	byFile map[string]shown
}

func newGhostText() *ghostText {
	return &ghostText{byFile: make(map[string]shown)}
}

func (g *ghostText) set(file string, s shown) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byFile[file] = s
}

func (g *ghostText) clear(file string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.byFile, file)
}

// remaining returns the untyped rest of the shown completion when prefix
// extends the shown prefix with text the completion starts with and the
// suffix is unchanged
func (g *ghostText) remaining(file, prefix, suffix string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.byFile[file]
	if !ok || s.suffix != suffix || !strings.HasPrefix(prefix, s.prefix) {
		return "", false
	}
	typed := prefix[len(s.prefix):]
	rest, ok := strings.CutPrefix(s.text, typed)
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}
