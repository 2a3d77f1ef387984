package fim

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterChoices(t *testing.T) {
	tests := []struct {
		name     string
		choices  []string
		suffix   string
		language string
		want     []string
	}{
		{
			name:    "drops blank choices",
			choices: []string{"", " \n\t", "x := 1"},
			want:    []string{"x := 1"},
		},
		{
			name:    "drops text the suffix already has",
			choices: []string{"return err", "return nil"},
			suffix:  "\n\treturn err\n}",
			want:    []string{"return nil"},
		},
		{
			name:     "strips python imports and drops import only choices",
			choices:  []string{"import os\nfrom sys import argv", "import os\nprint(os.getcwd())"},
			language: "python",
			want:     []string{"print(os.getcwd())"},
		},
		{
			name:     "strips go import lines",
			choices:  []string{"import \"fmt\"\nfmt.Println(x)"},
			language: "go",
			want:     []string{"fmt.Println(x)"},
		},
		{
			name:     "languages without an import filter keep imports",
			choices:  []string{"import this"},
			language: "text",
			want:     []string{"import this"},
		},
		{
			name:    "drops repeated long lines",
			choices: []string{"total += price\ntotal += price\n"},
			want:    nil,
		},
		{
			name:    "drops token loops",
			choices: []string{strings.Repeat("foo ", 12)},
			want:    nil,
		},
		{
			name:    "keeps indentation and trims the tail",
			choices: []string{"\n    pass  \n\n"},
			want:    []string{"    pass"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, filterChoices(tt.choices, tt.suffix, tt.language))
		})
	}
}

func TestCompletionsMergeAndIsolateFiles(t *testing.T) {
	c := newCompletions(2)
	c.add("a", "p", "s", []string{"one"})
	c.add("a", "p", "s", []string{"two", "one"})

	assert.Equal(t, []string{"two", "one"}, c.find("a", "p", "s"))
	assert.Nil(t, c.find("b", "p", "s"))
	assert.Nil(t, c.find("a", "p", "other"))

	c.add("a", "p2", "s", []string{"x"})
	c.add("a", "p3", "s", []string{"y"})
	assert.Nil(t, c.find("a", "p", "s"), "oldest entry evicted at capacity")

	got := c.find("a", "p3", "s")
	got[0] = "mutated"
	assert.Equal(t, []string{"y"}, c.find("a", "p3", "s"))
}

func TestCompletionKeySeparatesPrefixAndSuffix(t *testing.T) {
	assert.NotEqual(t, completionKey("ab", "c"), completionKey("a", "bc"))
}

func TestGhostTextRemaining(t *testing.T) {
	g := newGhostText()
	g.set("f", shown{prefix: "x := ", suffix: "\n}", text: "compute(a, b)"})

	rest, ok := g.remaining("f", "x := comp", "\n}")
	assert.True(t, ok)
	assert.Equal(t, "ute(a, b)", rest)

	_, ok = g.remaining("f", "x := cx", "\n}")
	assert.False(t, ok, "typed text diverges")

	_, ok = g.remaining("f", "x := comp", "}")
	assert.False(t, ok, "suffix changed")

	_, ok = g.remaining("f", "x := compute(a, b)", "\n}")
	assert.False(t, ok, "fully typed")

	_, ok = g.remaining("other", "x := comp", "\n}")
	assert.False(t, ok)
}
