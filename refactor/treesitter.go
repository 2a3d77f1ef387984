//go:build cgo

package refactor

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_go "github.com/tree-sitter/tree-sitter-go/bindings/go"
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"
	tree_sitter_typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"
)

// TreeSitter parses with the bundled tree-sitter grammars
type TreeSitter struct {
	languages map[string]unsafe.Pointer
}

func NewTreeSitter() *TreeSitter {
	return &TreeSitter{
		languages: map[string]unsafe.Pointer{
			"go":         tree_sitter_go.Language(),
			"python":     tree_sitter_python.Language(),
			"typescript": tree_sitter_typescript.LanguageTypescript(),
			"javascript": tree_sitter_typescript.LanguageTypescript(), // TypeScript parser handles JS
		},
	}
}

func (p *TreeSitter) Parse(language, source string) (Tree, error) {
	lang, ok := p.languages[language]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedLanguage, "tree-sitter: %s", language)
	}

	parser := tree_sitter.NewParser()
	defer parser.Close()
	if err := parser.SetLanguage(tree_sitter.NewLanguage(lang)); err != nil {
		return nil, errors.Wrap(err, "tree-sitter: set language")
	}

	src := []byte(source)
	tree := parser.Parse(src, nil)
	if tree == nil {
		return nil, errors.New("tree-sitter: parser returned nil tree")
	}
	return &tsTree{tree: tree, src: src}, nil
}

type tsTree struct {
	tree *tree_sitter.Tree
	src  []byte
}

func (t *tsTree) Root() Node { return wrapNode(t.tree.RootNode(), t.src) }
func (t *tsTree) Close()     { t.tree.Close() }

type tsNode struct {
	n   *tree_sitter.Node
	src []byte
}

// wrapNode keeps nil pointers out of the Node interface
func wrapNode(n *tree_sitter.Node, src []byte) Node {
	if n == nil {
		return nil
	}
	return &tsNode{n: n, src: src}
}

func (t *tsNode) Type() string    { return t.n.Kind() }
func (t *tsNode) ChildCount() int { return int(t.n.ChildCount()) }
func (t *tsNode) StartLine() int  { return int(t.n.StartPosition().Row) }
func (t *tsNode) EndLine() int    { return int(t.n.EndPosition().Row) }

func (t *tsNode) Text() string {
	start, end := t.n.StartByte(), t.n.EndByte()
	if start >= end || end > uint(len(t.src)) {
		return ""
	}
	return string(t.src[start:end])
}

func (t *tsNode) Child(i int) Node {
	if i < 0 {
		return nil
	}
	return wrapNode(t.n.Child(uint(i)), t.src)
}

func (t *tsNode) ChildByFieldName(name string) Node {
	return wrapNode(t.n.ChildByFieldName(name), t.src)
}

func (t *tsNode) PrevSibling() Node { return wrapNode(t.n.PrevSibling(), t.src) }
func (t *tsNode) Parent() Node      { return wrapNode(t.n.Parent(), t.src) }
