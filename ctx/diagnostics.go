package ctx

import (
	"context"

	"ghosttab/types"
)

// DiagnosticsReader returns the language-server diagnostics for a document
type DiagnosticsReader interface {
	Diagnostics(uri string) []*types.Diagnostic
}

// diagnostics gathers diagnostics for the requested document
type diagnostics struct {
	reader DiagnosticsReader
}

func Diagnostics(reader DiagnosticsReader) Source {
	return &diagnostics{reader: reader}
}

func (d *diagnostics) Gather(_ context.Context, req *SourceRequest) *types.ContextResult {
	diags := d.reader.Diagnostics(req.URI)
	if len(diags) == 0 {
		return nil
	}
	return &types.ContextResult{Diagnostics: diags}
}
