package edits

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"ghosttab/clock"
	"ghosttab/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(uri string, version int, lines ...string) *types.Document {
	return &types.Document{
		URI:     uri,
		Path:    strings.TrimPrefix(uri, "file:///"),
		Lines:   lines,
		Version: version,
	}
}

var anyChange = []Change{{}}

func newTestTracker() (*Tracker, *clock.Mock) {
	clk := clock.NewMock()
	return NewTracker(DefaultConfig(), clk), clk
}

func TestIgnoresNonFileDocuments(t *testing.T) {
	tr, _ := newTestTracker()
	d := doc("untitled:1", 1, "hello world")
	tr.Open(d)
	got := tr.OnChange(doc("untitled:1", 2, "hello world, this is a long line"), anyChange)
	assert.Nil(t, got)
	assert.Equal(t, 0, tr.Len())
}

func TestIgnoresEmptyChangeList(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Open(doc("file:///a.go", 1, "package a"))
	assert.Nil(t, tr.OnChange(doc("file:///a.go", 2, "package a", "func Something() {}"), nil))
}

func TestFirstChangeOnlySnapshots(t *testing.T) {
	tr, _ := newTestTracker()
	assert.Nil(t, tr.OnChange(doc("file:///a.go", 1, "package a"), anyChange))

	got := tr.OnChange(doc("file:///a.go", 2, "package a", "func Something() {}"), anyChange)
	require.NotNil(t, got)
	assert.Equal(t, "package a", got.ContentBefore)
}

func TestShortEditsAreDropped(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Open(doc("file:///main.go", 1, "package main", "", "func main() {", "}"))

	got := tr.OnChange(doc("file:///main.go", 2, "package main", "x", "func main() {", "}"), anyChange)
	assert.Nil(t, got)
	assert.Equal(t, 0, tr.Len())
}

func TestRecordsEditWithContext(t *testing.T) {
	tr, clk := newTestTracker()
	tr.Open(doc("file:///main.go", 1, "package main", "", "func main() {", "}"))
	clk.Advance(time.Second)

	got := tr.OnChange(doc("file:///main.go", 2,
		"package main", "", "func main() {", "\tfmt.Println(\"hello\")", "}"), anyChange)
	require.NotNil(t, got)

	assert.Equal(t, "main.go", got.FilePath)
	assert.Equal(t, "\nfunc main() {\n}", got.ContentBefore)
	assert.Equal(t, "\nfunc main() {\n\tfmt.Println(\"hello\")\n}", got.ContentAfter)
	assert.Equal(t, types.LineRange{Start: 3, End: 3}, got.LineRange)
	assert.Equal(t, 2, got.DocumentVersion)
	assert.Equal(t, clk.Now(), got.Timestamp)
}

func TestUsesHostRangeWhenGiven(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Open(doc("file:///a.py", 1, "import os", "x = 1", "print(x)"))

	changes := []Change{{
		Range: &types.Range{Start: types.Position{Line: 1}, End: types.Position{Line: 1, Character: 5}},
		Text:  "result = compute()",
	}}
	got := tr.OnChange(doc("file:///a.py", 2, "import os", "result = compute()", "print(x)"), changes)
	require.NotNil(t, got)
	assert.Equal(t, types.LineRange{Start: 1, End: 1}, got.LineRange)
	assert.Contains(t, got.ContentBefore, "x = 1")
	assert.Contains(t, got.ContentAfter, "result = compute()")
}

func TestLongEditsAreTruncated(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Open(doc("file:///big.txt", 1, strings.Repeat("a", 300)))

	got := tr.OnChange(doc("file:///big.txt", 2, strings.Repeat("b", 300)), anyChange)
	require.NotNil(t, got)
	assert.LessOrEqual(t, len(got.ContentBefore), 200)
	assert.LessOrEqual(t, len(got.ContentAfter), 200)
	assert.True(t, strings.HasSuffix(got.ContentBefore, Ellipsis))
	assert.True(t, strings.HasSuffix(got.ContentAfter, Ellipsis))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("é", 10) // 20 bytes
	got := Truncate(s, 10)
	assert.LessOrEqual(t, len(got), 10)
	assert.True(t, strings.HasSuffix(got, Ellipsis))
	assert.Equal(t, "ééé"+Ellipsis, got)
	assert.Equal(t, "short", Truncate("short", 10))
}

func TestNewestFirstAndCapped(t *testing.T) {
	tr, _ := newTestTracker()
	for i := 0; i < 25; i++ {
		uri := fmt.Sprintf("file:///f%d.go", i)
		tr.Open(doc(uri, 1, "package f"))
		tr.OnChange(doc(uri, 2, "package f", fmt.Sprintf("var value%d = compute()", i)), anyChange)
	}

	assert.Equal(t, 20, tr.Len())
	recent := tr.Recent(0)
	require.Len(t, recent, 20)
	assert.Equal(t, "f24.go", recent[0].FilePath)
	assert.Equal(t, "f5.go", recent[19].FilePath)

	assert.Len(t, tr.Recent(3), 3)
}

func TestConsecutiveEditsOnSameLinesMerge(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Open(doc("file:///a.go", 1, "package a", "var total = 0"))

	tr.OnChange(doc("file:///a.go", 2, "package a", "var total = sum(x)"), anyChange)
	got := tr.OnChange(doc("file:///a.go", 3, "package a", "var total = sum(values)"), anyChange)
	require.NotNil(t, got)

	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, "package a\nvar total = 0", got.ContentBefore)
	assert.Equal(t, "package a\nvar total = sum(values)", got.ContentAfter)
	assert.Equal(t, 3, got.DocumentVersion)
}

func TestCloseDiscardsSnapshot(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Open(doc("file:///a.go", 1, "package a"))
	tr.Close("file:///a.go")

	assert.Nil(t, tr.OnChange(doc("file:///a.go", 2, "package a", "func Something() {}"), anyChange))
}

func TestRecentReturnsCopies(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Open(doc("file:///a.go", 1, "package a"))
	tr.OnChange(doc("file:///a.go", 2, "package a", "func Something() {}"), anyChange)

	tr.Recent(1)[0].ContentAfter = "mutated"
	assert.NotEqual(t, "mutated", tr.Recent(1)[0].ContentAfter)

	tr.Dispose()
	assert.Equal(t, 0, tr.Len())
}
