package repetition

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func repeat(tokens []string, times int) []string {
	var out []string
	for i := 0; i < times; i++ {
		out = append(out, tokens...)
	}
	return out
}

func TestIsRepetitive(t *testing.T) {
	withWhitespace := append([]string{"prefix"}, repeat([]string{"foo"}, 10)...)
	withWhitespace = append(withWhitespace, "   ", "foo")

	tests := []struct {
		name   string
		tokens []string
		want   bool
	}{
		{"empty", nil, false},
		{"single token run below minimum", repeat([]string{"foo"}, 9), false},
		{"single token run above minimum", repeat([]string{"foo"}, 11), true},
		{"prefix then run", append([]string{"prefix"}, repeat([]string{"foo"}, 10)...), true},
		{"whitespace variant inside run", withWhitespace, true},
		{"three token cycle six times", repeat([]string{"Bar", "Far", "Car"}, 6), true},
		{"three token cycle three times", repeat([]string{"Bar", "Far", "Car"}, 3), false},
		{"split sentence fourteen", strings.Split("Bar Bar Bar Bar Bar Bar Bar Bar Bar Bar Bar Bar Bar Bar", " "), true},
		{"split sentence nine", strings.Split("Bar Bar Bar Bar Bar Bar Bar Bar Bar", " "), false},
		{"no repetition", strings.Split("a b c d e f g h i j k l m n o p", " "), false},
		{"whitespace tokens are fungible", repeat([]string{"x", "\n"}, 3), false},
		{"fungible whitespace in cycle", []string{"x", "\n", "x", "\t\t", "x", " ", "x", "\n", "x", "  ", "x", "\n"}, true},
		{"cycle preceded by unrelated code", append(strings.Split("func main ( ) {", " "), repeat([]string{"a", "=", "b", ";"}, 4)...), true},
		{"long pattern twice", repeat(strings.Split("p1 p2 p3 p4 p5 p6 p7 p8 p9 p10 p11 p12 p13 p14 p15 p16 p17 p18", " "), 2), true},
		{"long pattern once", strings.Split("p1 p2 p3 p4 p5 p6 p7 p8 p9 p10 p11 p12 p13 p14 p15 p16 p17 p18", " "), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRepetitive(tt.tokens))
		})
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t,
		[]string{"foo", "(", "bar_1", ",", " ", "2", ")", "\n\t", "x"},
		Tokenize("foo(bar_1, 2)\n\tx"))
	assert.Empty(t, Tokenize(""))
}

func TestHasRepeatedLines(t *testing.T) {
	text := "result = compute(x)\nother()\nresult = compute(x)\n"
	assert.True(t, HasRepeatedLines(text, 10, 2))

	// short lines are ignored
	assert.False(t, HasRepeatedLines("}\n}\n}\n", 10, 2))
	assert.False(t, HasRepeatedLines("first line here\nsecond line here", 10, 2))
}

func TestIsDegenerate(t *testing.T) {
	assert.True(t, IsDegenerate(strings.Repeat("foo ", 20)))
	assert.False(t, IsDegenerate("if err != nil {\n\treturn err\n}"))
}
