// Package replica implements the client-local mirror of the replicated
// metadata tables: bootstrap loading, idempotent event application, and the
// per-base sync cursor that anchors catch-up.
package replica

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gridbase/metasync/internal/meta"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultBatchSize = 1000

var (
	errMissingDatabase = errors.New("replica: database handle is required")
	// ErrApply wraps store-level failures during event application. The
	// failing event is not applied and the cursor is not advanced.
	ErrApply = errors.New("replica: apply failed")
)

// SyncCursor marks the last successfully applied event per (workspace,
// base). It is the single source of truth for catch-up resumption and is
// only written after the corresponding apply commits.
type SyncCursor struct {
	WorkspaceID       string `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	BaseID            string `gorm:"column:base_id;primaryKey;size:190;not null"`
	LastEventID       int64  `gorm:"column:last_event_id;not null"`
	LastSyncAtSeconds int64  `gorm:"column:last_sync_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncCursor) TableName() string {
	return "sync_metadata"
}

// StoreConfig describes the replica store dependencies.
type StoreConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	BatchSize int
	Logger    *zap.Logger
}

// Store is the client replica over an embeddable relational engine.
type Store struct {
	db        *gorm.DB
	clock     func() time.Time
	batchSize int
	logger    *zap.Logger
}

// NewStore migrates the replica schema (one table per replicated entity plus
// the sync cursor) and returns the store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	models := append(meta.ReplicatedModels(), &SyncCursor{})
	if err := cfg.Database.AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("replica: migrate schema: %w", err)
	}

	return &Store{
		db:        cfg.Database,
		clock:     clock,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// ApplyBootstrap replaces the replica's state for the base with the
// snapshot. Every replicated table present in the snapshot is wiped (scoped
// to the base) and reloaded in batches, except the bases table, which is
// upserted so the base identity row survives. Tables absent from the
// snapshot are left untouched with a warning. The cursor is seeded from the
// snapshot's newest event id so catch-up works before the first live event.
func (s *Store) ApplyBootstrap(ctx context.Context, workspaceID meta.WorkspaceID, baseID meta.BaseID, snapshot meta.BootstrapResult) error {
	byTable := make(map[string]meta.TableSnapshot, len(snapshot.Tables))
	for _, tableSnapshot := range snapshot.Tables {
		byTable[tableSnapshot.Table] = tableSnapshot
	}

	for _, table := range meta.ReplicatedTables() {
		tableSnapshot, present := byTable[table.String()]
		if !present {
			s.logger.Warn("table absent from bootstrap snapshot",
				zap.String("table", table.String()), zap.String("base", baseID.String()))
			continue
		}
		if err := s.loadTable(ctx, table, baseID, tableSnapshot.Records); err != nil {
			return fmt.Errorf("%w: bootstrap %s: %v", ErrApply, table, err)
		}
	}

	return s.upsertCursor(s.db.WithContext(ctx), workspaceID, baseID, snapshot.LatestEventID)
}

func (s *Store) loadTable(ctx context.Context, table meta.Table, baseID meta.BaseID, records []map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if table == meta.TableBases {
			for _, record := range records {
				err := tx.Table(table.StorageName()).
					Clauses(clause.OnConflict{
						Columns:   conflictColumns(table),
						DoUpdates: clause.Assignments(record),
					}).
					Create(record).Error
				if err != nil {
					return err
				}
			}
			return nil
		}

		if err := tx.Table(table.StorageName()).
			Where(map[string]any{"base_id": baseID.String()}).
			Delete(nil).Error; err != nil {
			return err
		}
		for start := 0; start < len(records); start += s.batchSize {
			end := start + s.batchSize
			if end > len(records) {
				end = len(records)
			}
			if err := tx.Table(table.StorageName()).Create(records[start:end]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyEvent applies one change event and advances the cursor in the same
// transaction. Application is idempotent per event id: inserts upsert on the
// payload's own primary key, updates and deletes match by key and are
// naturally idempotent.
func (s *Store) ApplyEvent(ctx context.Context, event meta.ChangeEvent) error {
	if event.Target == meta.TableUnsupported || event.Target.StorageName() == "" {
		return fmt.Errorf("%w: %q", meta.ErrUnsupportedTable, event.Target.String())
	}

	fields, err := event.PayloadFields()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrApply, err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch event.Type {
		case meta.EventInsert:
			if err := s.applyInsert(tx, event, fields); err != nil {
				return err
			}
		case meta.EventUpdate:
			if err := s.applyKeyed(tx, event, fields, false); err != nil {
				return err
			}
		case meta.EventDelete:
			if err := s.applyKeyed(tx, event, fields, true); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %q", meta.ErrInvalidEventType, event.Type)
		}
		return s.upsertCursor(tx, event.WorkspaceID, event.BaseID, event.EventID)
	})
	if err != nil {
		return fmt.Errorf("%w: event %d on %s: %v", ErrApply, event.EventID, event.Target, err)
	}
	return nil
}

func (s *Store) applyInsert(tx *gorm.DB, event meta.ChangeEvent, fields map[string]any) error {
	// Inserted rows always land in the event's own base so the key columns
	// of the (base_id, id) keyed tables are populated regardless of payload.
	if event.Target != meta.TableBases {
		fields["base_id"] = event.BaseID.String()
	}
	return tx.Table(event.Target.StorageName()).
		Clauses(clause.OnConflict{
			Columns:   conflictColumns(event.Target),
			DoUpdates: clause.Assignments(fields),
		}).
		Create(fields).Error
}

func (s *Store) applyKeyed(tx *gorm.DB, event meta.ChangeEvent, fields map[string]any, isDelete bool) error {
	key, err := meta.PrimaryKey(event.Target, event.BaseID, fields)
	if err != nil {
		return err
	}
	query := tx.Table(event.Target.StorageName()).Where(key)
	if scope := meta.BaseScope(event.Target, event.BaseID); scope != nil {
		query = query.Where(scope)
	}
	if isDelete {
		return query.Delete(nil).Error
	}
	return query.Updates(fields).Error
}

// Cursor returns the sync cursor for the scope; found is false when the base
// was never bootstrapped on this replica.
func (s *Store) Cursor(ctx context.Context, workspaceID meta.WorkspaceID, baseID meta.BaseID) (SyncCursor, bool, error) {
	var cursor SyncCursor
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND base_id = ?", workspaceID.String(), baseID.String()).
		Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncCursor{}, false, nil
	}
	if err != nil {
		return SyncCursor{}, false, err
	}
	return cursor, true, nil
}

// Records returns the current rows of a replicated table scoped to the base,
// for consumers rendering replica state.
func (s *Store) Records(ctx context.Context, table meta.Table, baseID meta.BaseID) ([]map[string]any, error) {
	if table == meta.TableUnsupported || table.StorageName() == "" {
		return nil, fmt.Errorf("%w: %q", meta.ErrUnsupportedTable, table.String())
	}
	var records []map[string]any
	query := s.db.WithContext(ctx).Table(table.StorageName())
	if scope := meta.BaseScope(table, baseID); scope != nil {
		query = query.Where(scope)
	} else {
		query = query.Where(map[string]any{"base_id": baseID.String()})
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// upsertCursor merges the cursor row, last write wins.
func (s *Store) upsertCursor(tx *gorm.DB, workspaceID meta.WorkspaceID, baseID meta.BaseID, eventID int64) error {
	cursor := SyncCursor{
		WorkspaceID:       workspaceID.String(),
		BaseID:            baseID.String(),
		LastEventID:       eventID,
		LastSyncAtSeconds: s.clock().UTC().Unix(),
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "workspace_id"}, {Name: "base_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_event_id":  cursor.LastEventID,
			"last_sync_at_s": cursor.LastSyncAtSeconds,
		}),
	}).Create(&cursor).Error
}

func conflictColumns(table meta.Table) []clause.Column {
	names := meta.KeyColumns(table)
	columns := make([]clause.Column, 0, len(names))
	for _, name := range names {
		columns = append(columns, clause.Column{Name: name})
	}
	return columns
}
