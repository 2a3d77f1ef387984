package fim

import (
	"slices"
	"sync"

	"ghosttab/logger"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
)

// completions keeps the choices already returned for an exact
// prefix/suffix pair, bounded per file
type completions struct {
	mu       sync.Mutex
	capacity int
	byFile   map[string]*lru.Cache
}

func newCompletions(capacity int) *completions {
	return &completions{capacity: capacity, byFile: make(map[string]*lru.Cache)}
}

func completionKey(prefix, suffix string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(prefix)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(suffix)
	return d.Sum64()
}

// find returns a copy of the cached choices, most recent first
func (c *completions) find(file, prefix, suffix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	store, ok := c.byFile[file]
	if !ok {
		return nil
	}
	v, ok := store.Get(completionKey(prefix, suffix))
	if !ok {
		return nil
	}
	return slices.Clone(v.([]string))
}

// add merges choices into the entry for prefix/suffix, skipping duplicates
func (c *completions) add(file, prefix, suffix string, choices []string) {
	if len(choices) == 0 || c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	store, ok := c.byFile[file]
	if !ok {
		var err error
		store, err = lru.New(c.capacity)
		if err != nil {
			logger.Error("fim: create completions cache: %v", err)
			return
		}
		c.byFile[file] = store
	}

	key := completionKey(prefix, suffix)
	merged := slices.Clone(choices)
	if v, ok := store.Peek(key); ok {
		for _, old := range v.([]string) {
			if !slices.Contains(merged, old) {
				merged = append(merged, old)
			}
		}
	}
	store.Add(key, merged)
}

func (c *completions) forget(file string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byFile, file)
}
