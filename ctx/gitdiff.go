package ctx

import (
	"bufio"
	"context"
	"os/exec"
	"path/filepath"
	"strings"

	"ghosttab/logger"
	"ghosttab/types"
)

const (
	// diffs up to this size are sent whole; larger ones are reduced to
	// the declarations they touch
	maxDiffSize       = 4096
	maxChangedSymbols = 50
)

// gitRunner runs git in dir and returns stdout, or "" on failure
type gitRunner func(ctx context.Context, dir string, args ...string) string

// gitDiff reports uncommitted changes. While a commit message is being
// written it reports the staged diff instead.
type gitDiff struct {
	run gitRunner
}

func GitDiff() Source {
	return &gitDiff{run: runGit}
}

func (g *gitDiff) Gather(ctx context.Context, req *SourceRequest) *types.ContextResult {
	if req.WorkspacePath == "" || req.FilePath == "" {
		return nil
	}

	full, condensed := g.args(req)
	diff := g.run(ctx, req.WorkspacePath, full...)
	if diff == "" {
		return nil
	}
	if len(diff) <= maxDiffSize {
		return &types.ContextResult{GitDiff: diff}
	}

	symbols := extractChangedSymbols(g.run(ctx, req.WorkspacePath, condensed...), maxChangedSymbols)
	if len(symbols) == 0 {
		return nil
	}
	return &types.ContextResult{GitDiff: strings.Join(symbols, "\n")}
}

// args returns the full and zero-context diff invocations for req
func (g *gitDiff) args(req *SourceRequest) (full, condensed []string) {
	if filepath.Base(req.FilePath) == "COMMIT_EDITMSG" {
		return []string{"diff", "--cached"}, []string{"diff", "--cached", "-U0"}
	}
	return []string{"diff", "HEAD", "--", req.FilePath}, []string{"diff", "HEAD", "-U0", "--", req.FilePath}
}

func runGit(ctx context.Context, dir string, args ...string) string {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		logger.Debug("gitdiff: git %s: %v", strings.Join(args, " "), err)
		return ""
	}
	return string(out)
}

// extractChangedSymbols returns the added (+) and removed (-) declaration
// lines of a unified diff, deduplicated, at most limit of them
func extractChangedSymbols(diff string, limit int) []string {
	if diff == "" {
		return nil
	}

	seen := make(map[string]bool)
	var symbols []string
	scanner := bufio.NewScanner(strings.NewReader(diff))
	for scanner.Scan() && len(symbols) < limit {
		line := scanner.Text()
		if isDiffHeader(line) || line == "" {
			continue
		}
		sign := line[:1]
		if sign != "+" && sign != "-" {
			continue
		}
		content := strings.TrimSpace(line[1:])
		if !isDeclarationLine(content) {
			continue
		}
		if sym := sign + content; !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}
	return symbols
}

func isDiffHeader(line string) bool {
	for _, p := range []string{"diff --git ", "---", "+++", "index ", "@@"} {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// declarationPrefixes start a function, type or class declaration in the
// languages people commonly edit
var declarationPrefixes = []string{
	"func ", "func(", "type ", "struct ", "interface ",
	"def ", "class ",
	"fn ", "impl ", "trait ", "enum ",
	"function ", "async function ",
	"export function ", "export default function ", "export async function ",
	"export const ", "export class ", "export interface ", "export type ",
	"public ", "private ", "protected ", "static ",
}

func isDeclarationLine(line string) bool {
	for _, p := range declarationPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}
