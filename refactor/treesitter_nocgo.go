//go:build !cgo

package refactor

import "github.com/cockroachdb/errors"

// TreeSitter is unavailable without cgo; every parse reports an unsupported language.
type TreeSitter struct{}

func NewTreeSitter() *TreeSitter {
	return &TreeSitter{}
}

func (p *TreeSitter) Parse(language, _ string) (Tree, error) {
	return nil, errors.Wrapf(ErrUnsupportedLanguage, "tree-sitter disabled (built without cgo): %s", language)
}
