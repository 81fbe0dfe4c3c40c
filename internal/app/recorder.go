package app

import (
	"context"
	"time"

	"dare/internal/config"
	"dare/internal/registration"
	"dare/internal/storage"
	logx "dare/pkg/logx"
)

// auditRecorder appends job outcomes to the store.
type auditRecorder struct {
	store storage.Store
}

func (r auditRecorder) Record(ctx context.Context, job *registration.Job, ev registration.AuditEvent) {
	err := r.store.AppendAudit(ctx, storage.AuditEntry{
		At:      time.Now().UTC(),
		JobID:   job.ID,
		RunID:   job.RunID,
		Kind:    ev.Kind,
		CRN:     ev.CRN,
		Status:  ev.Status,
		Message: ev.Message,
	})
	if err != nil {
		job.Log.Warn("audit write failed", logx.String("kind", ev.Kind), logx.Err(err))
	}
}

// OpenStore opens the configured audit store. It returns nil when storage is
// disabled.
func OpenStore(cfg *config.App, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		return nil, err
	}
	return storage.Open(sc, log)
}
