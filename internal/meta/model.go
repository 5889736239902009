package meta

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType enumerates replicated mutation kinds as they appear on the wire.
type EventType string

const (
	// EventInsert announces a newly created metadata record.
	EventInsert EventType = "META_INSERT"
	// EventUpdate announces changed fields on an existing record.
	EventUpdate EventType = "META_UPDATE"
	// EventDelete announces a removed record.
	EventDelete EventType = "META_DELETE"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidWorkspaceID indicates that a workspace identifier is empty or exceeds storage bounds.
	ErrInvalidWorkspaceID = errors.New("meta: invalid workspace id")
	// ErrInvalidBaseID indicates that a base identifier is empty or exceeds storage bounds.
	ErrInvalidBaseID = errors.New("meta: invalid base id")
	// ErrUnsupportedTable indicates an event targeting a table outside the replicated set.
	ErrUnsupportedTable = errors.New("meta: unsupported replicated table")
	// ErrInvalidEventType indicates an operation outside INSERT/UPDATE/DELETE.
	ErrInvalidEventType = errors.New("meta: invalid event type")
)

// WorkspaceID represents a validated workspace identifier.
type WorkspaceID string

// NewWorkspaceID validates raw input and returns a WorkspaceID.
func NewWorkspaceID(rawInput string) (WorkspaceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidWorkspaceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidWorkspaceID, maxIdentifierLength)
	}
	return WorkspaceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id WorkspaceID) String() string {
	return string(id)
}

// BaseID represents a validated base identifier.
type BaseID string

// NewBaseID validates raw input and returns a BaseID.
func NewBaseID(rawInput string) (BaseID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBaseID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBaseID, maxIdentifierLength)
	}
	return BaseID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BaseID) String() string {
	return string(id)
}

// Table identifies a replicated metadata table. The replicated set is closed:
// events naming anything else resolve to TableUnsupported and are rejected
// before touching storage.
type Table int

const (
	// TableUnsupported is the explicit rejection variant for unknown targets.
	TableUnsupported Table = iota
	// TableBases holds the base (project) identity records. Never wiped by
	// bootstrap; upserted instead.
	TableBases
	// TableSources holds data-source bindings per base.
	TableSources
	// TableModels holds table/model definitions.
	TableModels
	// TableColumns holds column definitions.
	TableColumns
	// TableViews holds view definitions.
	TableViews
	// TableFilters holds view filter expressions.
	TableFilters
	// TableSorts holds view sort clauses.
	TableSorts
	// TableBaseUsers holds base membership rows, keyed by (base_id, fk_user_id).
	TableBaseUsers
)

var tableNames = map[Table]string{
	TableBases:     "bases",
	TableSources:   "sources",
	TableModels:    "models",
	TableColumns:   "columns",
	TableViews:     "views",
	TableFilters:   "filters",
	TableSorts:     "sorts",
	TableBaseUsers: "base_users",
}

var tableStorageNames = map[Table]string{
	TableBases:     "meta_bases",
	TableSources:   "meta_sources",
	TableModels:    "meta_models",
	TableColumns:   "meta_columns",
	TableViews:     "meta_views",
	TableFilters:   "meta_filters",
	TableSorts:     "meta_sorts",
	TableBaseUsers: "meta_base_users",
}

// ParseTable resolves a wire-level target name to a replicated table.
func ParseTable(name string) (Table, error) {
	trimmed := strings.TrimSpace(name)
	for table, tableName := range tableNames {
		if tableName == trimmed {
			return table, nil
		}
	}
	return TableUnsupported, fmt.Errorf("%w: %q", ErrUnsupportedTable, name)
}

// String returns the wire-level target name.
func (t Table) String() string {
	if name, ok := tableNames[t]; ok {
		return name
	}
	return "unsupported"
}

// StorageName returns the physical table binding shared by the server store
// and client replicas.
func (t Table) StorageName() string {
	if name, ok := tableStorageNames[t]; ok {
		return name
	}
	return ""
}

// Composite reports whether records are keyed by (base_id, fk_user_id)
// instead of a surrogate id.
func (t Table) Composite() bool {
	return t == TableBaseUsers
}

// ReplicatedTables returns the closed replicated set in bootstrap order.
// Bases come first so dependent rows always land after their base row.
func ReplicatedTables() []Table {
	return []Table{
		TableBases,
		TableSources,
		TableModels,
		TableColumns,
		TableViews,
		TableFilters,
		TableSorts,
		TableBaseUsers,
	}
}

// ParseEventType validates a wire-level operation name.
func ParseEventType(value string) (EventType, error) {
	switch EventType(strings.TrimSpace(value)) {
	case EventInsert:
		return EventInsert, nil
	case EventUpdate:
		return EventUpdate, nil
	case EventDelete:
		return EventDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, value)
	}
}

// ChangeEvent is an immutable record of one committed metadata mutation.
// EventID is totally ordered per (workspace, base) so replicas can ask for
// "everything after this id" during catch-up.
type ChangeEvent struct {
	Type        EventType
	Target      Table
	Payload     json.RawMessage
	EventID     int64
	WorkspaceID WorkspaceID
	BaseID      BaseID
	Timestamp   time.Time
}

// PayloadFields unmarshals the event payload into a field map.
func (e ChangeEvent) PayloadFields() (map[string]any, error) {
	fields := map[string]any{}
	if len(e.Payload) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(e.Payload, &fields); err != nil {
		return nil, fmt.Errorf("meta: decode event payload: %w", err)
	}
	return fields, nil
}
