// Package refactor decides whether the code around the cursor looks like a
// known refactoring candidate, so the more expensive edit-range call is only
// made when it is likely to pay off.
package refactor

import (
	"regexp"
	"strings"

	"ghosttab/logger"
	"ghosttab/types"
)

// Pattern names a detected anti-pattern
type Pattern string

const (
	// AccumulatorLoop is an empty collection followed by a loop that appends to it
	AccumulatorLoop Pattern = "accumulator_loop"
	// FilterFirst takes the first element of a filtered collection
	FilterFirst Pattern = "filter_first"
	// RangeLenLoop iterates indices instead of elements
	RangeLenLoop Pattern = "range_len_loop"
)

// Match is one detected pattern
type Match struct {
	Pattern Pattern
	Line    int
}

const (
	defaultLinesBefore = 15
	defaultLinesAfter  = 3
	defaultMaxNodes    = 10000
)

// accumulatorInit captures the name of a variable initialised to an empty collection
var accumulatorInit = regexp.MustCompile(
	`^(?:(?:var|let|const)\s+)?([A-Za-z_$][\w$]*)\s*(?::\s*[\w.<>\[\]]+\s*)?(?::=|=)\s*(?:\[\]\s*$|\[\][\w.*\[\]]*\{\}|make\(|list\(\)|new Array\()`)

// goVarDecl matches `var out []T`
var goVarDecl = regexp.MustCompile(`^var\s+([A-Za-z_]\w*)\s+\[\]`)

// Detector runs bounded pattern walks over the tree around the cursor
type Detector struct {
	parser      Parser
	linesBefore int
	linesAfter  int
	maxNodes    int
}

func NewDetector(parser Parser) *Detector {
	return &Detector{
		parser:      parser,
		linesBefore: defaultLinesBefore,
		linesAfter:  defaultLinesAfter,
		maxNodes:    defaultMaxNodes,
	}
}

// ShouldCheck reports whether any pattern is present near pos
func (d *Detector) ShouldCheck(doc *types.Document, pos types.Position) bool {
	return len(d.Detect(doc, pos)) > 0
}

// Detect returns the patterns found in the window around pos
func (d *Detector) Detect(doc *types.Document, pos types.Position) []Match {
	lang := ParseLanguage(doc.Language)
	if lang == LangUnknown || d.parser == nil {
		return nil
	}

	first := max(0, pos.Line-d.linesBefore)
	last := min(doc.LineCount()-1, pos.Line+d.linesAfter)
	if last < first || !windowHasKeywords(doc.Lines[first:last+1]) {
		return nil
	}

	defer logger.Trace("refactor.Detect")()

	tree, err := d.parser.Parse(lang.String(), doc.Text())
	if err != nil {
		logger.Debug("refactor: parse %s: %v", doc.Path, err)
		return nil
	}
	defer tree.Close()

	return d.walk(tree.Root(), lang, first, last)
}

func windowHasKeywords(lines []string) bool {
	for _, l := range lines {
		if strings.Contains(l, "for") || strings.Contains(l, "filter") {
			return true
		}
	}
	return false
}

func (d *Detector) walk(root Node, lang Language, first, last int) []Match {
	if root == nil {
		return nil
	}
	var matches []Match
	stack := []Node{root}
	visited := 0
	for len(stack) > 0 && visited < d.maxNodes {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visited++

		if n.EndLine() < first || n.StartLine() > last {
			continue
		}
		if p, ok := matchNode(n, lang); ok {
			matches = append(matches, Match{Pattern: p, Line: n.StartLine()})
		}
		for i := n.ChildCount() - 1; i >= 0; i-- {
			if c := n.Child(i); c != nil {
				stack = append(stack, c)
			}
		}
	}
	if visited >= d.maxNodes {
		logger.Debug("refactor: walk stopped after %d nodes", visited)
	}
	return matches
}

func matchNode(n Node, lang Language) (Pattern, bool) {
	switch lang {
	case LangPython:
		switch n.Type() {
		case "for_statement":
			if isRangeLen(n) {
				return RangeLenLoop, true
			}
			if isAccumulatorLoop(n, pythonAppends) {
				return AccumulatorLoop, true
			}
		case "subscript":
			if isPythonFilterFirst(n) {
				return FilterFirst, true
			}
		}
	case LangJavaScript, LangTypeScript:
		switch n.Type() {
		case "for_statement", "for_in_statement":
			if isAccumulatorLoop(n, jsPushes) {
				return AccumulatorLoop, true
			}
		case "subscript_expression":
			if isJSFilterFirst(n) {
				return FilterFirst, true
			}
		}
	case LangGo:
		if n.Type() == "for_statement" && isAccumulatorLoop(n, goAppends) {
			return AccumulatorLoop, true
		}
	}
	return "", false
}

// appendPredicate reports whether n adds to the collection named acc
type appendPredicate func(n Node, acc string) bool

func isAccumulatorLoop(loop Node, appends appendPredicate) bool {
	prev := prevStatement(loop)
	if prev == nil {
		return false
	}
	acc := accumulatorName(prev.Text())
	if acc == "" {
		return false
	}
	body := loop.ChildByFieldName("body")
	if body == nil {
		return false
	}
	return containsNode(body, func(n Node) bool { return appends(n, acc) })
}

func accumulatorName(stmt string) string {
	stmt = strings.TrimSuffix(strings.TrimSpace(stmt), ";")
	if m := goVarDecl.FindStringSubmatch(stmt); m != nil {
		return m[1]
	}
	if m := accumulatorInit.FindStringSubmatch(stmt); m != nil {
		return m[1]
	}
	return ""
}

// acc.append(x)
func pythonAppends(n Node, acc string) bool {
	if n.Type() != "call" {
		return false
	}
	fn := n.ChildByFieldName("function")
	if fn == nil || fn.Type() != "attribute" {
		return false
	}
	obj, attr := fn.ChildByFieldName("object"), fn.ChildByFieldName("attribute")
	return obj != nil && attr != nil && obj.Text() == acc && attr.Text() == "append"
}

// acc.push(x)
func jsPushes(n Node, acc string) bool {
	if n.Type() != "call_expression" {
		return false
	}
	fn := n.ChildByFieldName("function")
	if fn == nil || fn.Type() != "member_expression" {
		return false
	}
	obj, prop := fn.ChildByFieldName("object"), fn.ChildByFieldName("property")
	return obj != nil && prop != nil && obj.Text() == acc && prop.Text() == "push"
}

// append(acc, x)
func goAppends(n Node, acc string) bool {
	if n.Type() != "call_expression" {
		return false
	}
	fn := n.ChildByFieldName("function")
	if fn == nil || fn.Text() != "append" {
		return false
	}
	arg := firstNamedArg(n.ChildByFieldName("arguments"))
	return arg != nil && arg.Text() == acc
}

// for i in range(len(xs))
func isRangeLen(loop Node) bool {
	right := loop.ChildByFieldName("right")
	if right == nil {
		return false
	}
	text := strings.Join(strings.Fields(right.Text()), "")
	return strings.HasPrefix(text, "range(len(")
}

// [x for x in xs if cond][0] or list(filter(f, xs))[0]
func isPythonFilterFirst(n Node) bool {
	idx := n.ChildByFieldName("subscript")
	value := n.ChildByFieldName("value")
	if idx == nil || value == nil || idx.Text() != "0" {
		return false
	}
	switch value.Type() {
	case "list_comprehension":
		return containsNode(value, func(c Node) bool { return c.Type() == "if_clause" })
	case "call":
		fn := value.ChildByFieldName("function")
		if fn == nil || fn.Text() != "list" {
			return false
		}
		inner := firstNamedArg(value.ChildByFieldName("arguments"))
		if inner == nil || inner.Type() != "call" {
			return false
		}
		innerFn := inner.ChildByFieldName("function")
		return innerFn != nil && innerFn.Text() == "filter"
	}
	return false
}

// xs.filter(f)[0]
func isJSFilterFirst(n Node) bool {
	idx := n.ChildByFieldName("index")
	obj := n.ChildByFieldName("object")
	if idx == nil || obj == nil || idx.Text() != "0" || obj.Type() != "call_expression" {
		return false
	}
	fn := obj.ChildByFieldName("function")
	if fn == nil || fn.Type() != "member_expression" {
		return false
	}
	prop := fn.ChildByFieldName("property")
	return prop != nil && prop.Text() == "filter"
}

func containsNode(root Node, pred func(Node) bool) bool {
	stack := []Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if pred(n) {
			return true
		}
		for i := 0; i < n.ChildCount(); i++ {
			if c := n.Child(i); c != nil {
				stack = append(stack, c)
			}
		}
	}
	return false
}
