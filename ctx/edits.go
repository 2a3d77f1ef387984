package ctx

import (
	"context"

	"ghosttab/types"
)

// EditLog is the read side of the recent edits tracker
type EditLog interface {
	Recent(limit int) []*types.EditRecord
}

type recentEdits struct {
	log   EditLog
	limit int
}

// RecentEdits gathers up to limit of the newest edits across the workspace
func RecentEdits(log EditLog, limit int) Source {
	return &recentEdits{log: log, limit: limit}
}

func (r *recentEdits) Gather(_ context.Context, _ *SourceRequest) *types.ContextResult {
	edits := r.log.Recent(r.limit)
	if len(edits) == 0 {
		return nil
	}
	return &types.ContextResult{RecentEdits: edits}
}
