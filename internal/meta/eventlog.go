package meta

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// EventRecord is the durable server-side log row behind catch-up. Rows are
// append-only; event_id ordering is the catch-up ordering.
type EventRecord struct {
	EventID          int64  `gorm:"column:event_id;primaryKey;autoIncrement:false"`
	WorkspaceID      string `gorm:"column:workspace_id;size:190;not null;index:idx_events_scope,priority:1"`
	BaseID           string `gorm:"column:base_id;size:190;not null;index:idx_events_scope,priority:2"`
	Operation        string `gorm:"column:op;size:32;not null"`
	Target           string `gorm:"column:target;size:64;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EventRecord) TableName() string {
	return "meta_events"
}

// EventLog appends and replays committed change events.
type EventLog struct {
	db *gorm.DB
}

// NewEventLog wraps the server database handle.
func NewEventLog(db *gorm.DB) *EventLog {
	return &EventLog{db: db}
}

// Append writes the event inside the supplied transaction handle so the log
// row commits atomically with the mutation it describes.
func (l *EventLog) Append(tx *gorm.DB, event ChangeEvent) error {
	record := EventRecord{
		EventID:          event.EventID,
		WorkspaceID:      event.WorkspaceID.String(),
		BaseID:           event.BaseID.String(),
		Operation:        string(event.Type),
		Target:           event.Target.String(),
		PayloadJSON:      string(event.Payload),
		CreatedAtSeconds: event.Timestamp.UTC().Unix(),
	}
	return tx.Create(&record).Error
}

// ListSince returns events for the scope with id strictly greater than
// sinceID, ordered by event id, honoring offset/limit pagination.
func (l *EventLog) ListSince(ctx context.Context, workspaceID WorkspaceID, baseID BaseID, sinceID int64, offset, limit int) ([]ChangeEvent, error) {
	var records []EventRecord
	err := l.db.WithContext(ctx).
		Where("workspace_id = ? AND base_id = ? AND event_id > ?", workspaceID.String(), baseID.String(), sinceID).
		Order("event_id ASC").
		Offset(offset).
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	events := make([]ChangeEvent, 0, len(records))
	for _, record := range records {
		event, err := record.toChangeEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// LatestID returns the highest committed event id for the scope, zero when
// the scope has no event history.
func (l *EventLog) LatestID(ctx context.Context, workspaceID WorkspaceID, baseID BaseID) (int64, error) {
	var latest int64
	err := l.db.WithContext(ctx).
		Model(&EventRecord{}).
		Where("workspace_id = ? AND base_id = ?", workspaceID.String(), baseID.String()).
		Select("COALESCE(MAX(event_id), 0)").
		Scan(&latest).Error
	if err != nil {
		return 0, err
	}
	return latest, nil
}

func (r EventRecord) toChangeEvent() (ChangeEvent, error) {
	eventType, err := ParseEventType(r.Operation)
	if err != nil {
		return ChangeEvent{}, err
	}
	target, err := ParseTable(r.Target)
	if err != nil {
		return ChangeEvent{}, err
	}
	return ChangeEvent{
		Type:        eventType,
		Target:      target,
		Payload:     json.RawMessage(r.PayloadJSON),
		EventID:     r.EventID,
		WorkspaceID: WorkspaceID(r.WorkspaceID),
		BaseID:      BaseID(r.BaseID),
		Timestamp:   time.Unix(r.CreatedAtSeconds, 0).UTC(),
	}, nil
}
