package meta

import (
	"context"
)

// TableSnapshot is the full record set of one replicated table for a base.
type TableSnapshot struct {
	Table   string           `json:"table"`
	Records []map[string]any `json:"records"`
}

// BootstrapResult is the complete snapshot a replica loads before going live.
// LatestEventID is the newest committed event id at snapshot time so a fresh
// replica can seed its cursor without waiting for a live event.
type BootstrapResult struct {
	Tables        []TableSnapshot `json:"tables"`
	LatestEventID int64           `json:"latest_event_id"`
}

// Bootstrap returns every replicated table's current record set scoped to
// the base. Reads use the store's normal read path with no extra locking, so
// the snapshot may trail concurrent writes; replicas reconcile the tail via
// catch-up. Each table is read in key-ordered batches so one oversized table
// does not pin its whole record set in a single query.
func (s *Service) Bootstrap(ctx context.Context, workspaceID WorkspaceID, baseID BaseID) (BootstrapResult, error) {
	result := BootstrapResult{Tables: make([]TableSnapshot, 0, len(ReplicatedTables()))}

	for _, table := range ReplicatedTables() {
		records, err := s.snapshotTable(ctx, table, baseID)
		if err != nil {
			return BootstrapResult{}, newServiceError(opBootstrap, "list_"+table.String(), err)
		}
		result.Tables = append(result.Tables, TableSnapshot{
			Table:   table.String(),
			Records: records,
		})
	}

	latest, err := s.log.LatestID(ctx, workspaceID, baseID)
	if err != nil {
		return BootstrapResult{}, newServiceError(opBootstrap, "latest_event_id", err)
	}
	result.LatestEventID = latest

	return result, nil
}

func (s *Service) snapshotTable(ctx context.Context, table Table, baseID BaseID) ([]map[string]any, error) {
	order := "id"
	if table.Composite() {
		order = "fk_user_id"
	}

	records := make([]map[string]any, 0)
	for offset := 0; ; offset += s.bootstrapBatch {
		var page []map[string]any
		query := s.db.WithContext(ctx).Table(table.StorageName())
		if scope := BaseScope(table, baseID); scope != nil {
			query = query.Where(scope)
		} else {
			query = query.Where(map[string]any{"base_id": baseID.String()})
		}
		if err := query.Order(order).Limit(s.bootstrapBatch).Offset(offset).Find(&page).Error; err != nil {
			return nil, err
		}
		records = append(records, page...)
		if len(page) < s.bootstrapBatch {
			return records, nil
		}
	}
}
