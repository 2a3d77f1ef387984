package refactor

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrUnsupportedLanguage is returned by a Parser for grammars it does not carry
var ErrUnsupportedLanguage = errors.New("language not supported by parser")

// Node is a read-only view of one parse tree node
type Node interface {
	Type() string
	Text() string
	ChildCount() int
	Child(i int) Node
	ChildByFieldName(name string) Node
	PrevSibling() Node
	Parent() Node
	StartLine() int
	EndLine() int
}

// Tree owns the parsed nodes. Close releases them.
type Tree interface {
	Root() Node
	Close()
}

// Parser turns source text into a Tree for a language id
type Parser interface {
	Parse(language, source string) (Tree, error)
}

// Language groups editor filetypes that share pattern predicates
type Language int

const (
	LangUnknown Language = iota
	LangPython
	LangJavaScript
	LangTypeScript
	LangGo
)

func (l Language) String() string {
	switch l {
	case LangPython:
		return "python"
	case LangJavaScript:
		return "javascript"
	case LangTypeScript:
		return "typescript"
	case LangGo:
		return "go"
	default:
		return "unknown"
	}
}

// ParseLanguage maps an editor filetype to a Language
func ParseLanguage(filetype string) Language {
	switch strings.ToLower(strings.TrimSpace(filetype)) {
	case "python", "py":
		return LangPython
	case "javascript", "js", "javascriptreact", "jsx":
		return LangJavaScript
	case "typescript", "ts", "typescriptreact", "tsx":
		return LangTypeScript
	case "go", "golang":
		return LangGo
	default:
		return LangUnknown
	}
}

// firstNamedArg returns the first argument inside an argument list node
func firstNamedArg(args Node) Node {
	if args == nil {
		return nil
	}
	for i := 0; i < args.ChildCount(); i++ {
		c := args.Child(i)
		if c == nil {
			continue
		}
		switch c.Type() {
		case "(", ")", ",", "comment":
			continue
		}
		return c
	}
	return nil
}

// prevStatement returns the closest preceding sibling that carries code,
// skipping terminators and comments
func prevStatement(n Node) Node {
	for p := n.PrevSibling(); p != nil; p = p.PrevSibling() {
		if p.Type() == "comment" {
			continue
		}
		text := strings.TrimSpace(p.Text())
		if text == "" || text == ";" {
			continue
		}
		return p
	}
	return nil
}
