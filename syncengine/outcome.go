package syncengine

import (
	"context"

	"bitbucket.org/mmdatafocus/portalsync_backend/config"
	"bitbucket.org/mmdatafocus/portalsync_backend/models"
)

// recordOutcome upserts the live sync-log row for this attempt. A success
// produced after the context deadline is demoted to failed: work cut off
// mid-entity must stay on the replay queue, never be reported done.
func (h *Handlers) recordOutcome(ctx context.Context, entry *models.SyncLog) {
	entry.WorkspaceId = h.conn.WorkspaceId
	if entry.Status == models.SyncStatusSuccess && ctx.Err() != nil {
		entry.Status = models.SyncStatusFailed
		entry.Remark = "sweep budget exceeded before completion"
	}
	if err := models.UpsertSyncLog(context.WithoutCancel(ctx), h.db, entry); err != nil {
		config.LogError(h.logger, "syncengine", "recordOutcome", entry.EntityType+"/"+entry.EventType, entry.PortalId, err)
	}
}

func (h *Handlers) recordFailure(ctx context.Context, entry *models.SyncLog, err error) {
	entry.Status = models.SyncStatusFailed
	entry.Remark = err.Error()
	h.recordOutcome(ctx, entry)
}
