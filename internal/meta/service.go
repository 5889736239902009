package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingNode        = errors.New("event id node is required")
	errMissingBroadcaster = errors.New("broadcaster is required")
	noOpLogger            = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "meta.service.new"
	opInsertRecord = "meta.insert_record"
	opUpdateRecord = "meta.update_record"
	opDeleteRecord = "meta.delete_record"
	opBootstrap    = "meta.bootstrap"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Broadcaster receives every committed change event exactly once, after the
// transaction holding the mutation and its log row has committed.
type Broadcaster interface {
	Emit(event ChangeEvent)
}

const defaultBootstrapBatch = 1000

// ServiceConfig describes the dependencies of the metadata mutation service.
type ServiceConfig struct {
	Database *gorm.DB
	Node     *snowflake.Node
	Clock    func() time.Time
	// BootstrapBatchSize bounds how many rows one bootstrap read pulls per
	// query. Zero means the default of 1000.
	BootstrapBatchSize int
	Broadcaster        Broadcaster
	Logger             *zap.Logger
}

// Service commits metadata mutations, appends them to the event log, and
// hands the resulting change events to the broadcaster.
type Service struct {
	db             *gorm.DB
	node           *snowflake.Node
	clock          func() time.Time
	bootstrapBatch int
	broadcaster    Broadcaster
	log            *EventLog
	logger         *zap.Logger
}

// NewService validates dependencies and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Node == nil {
		return nil, newServiceError(opServiceNew, "missing_node", errMissingNode)
	}
	if cfg.Broadcaster == nil {
		return nil, newServiceError(opServiceNew, "missing_broadcaster", errMissingBroadcaster)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	bootstrapBatch := cfg.BootstrapBatchSize
	if bootstrapBatch <= 0 {
		bootstrapBatch = defaultBootstrapBatch
	}

	return &Service{
		db:             cfg.Database,
		node:           cfg.Node,
		clock:          clock,
		bootstrapBatch: bootstrapBatch,
		broadcaster:    cfg.Broadcaster,
		log:            NewEventLog(cfg.Database),
		logger:         logger,
	}, nil
}

// EventLog exposes the catch-up log backed by the service database.
func (s *Service) EventLog() *EventLog {
	return s.log
}

// InsertRecord creates a record in a replicated table and emits META_INSERT.
// A missing surrogate id is assigned server-side so the broadcast payload
// always carries the record's own key.
func (s *Service) InsertRecord(ctx context.Context, workspaceID WorkspaceID, baseID BaseID, target Table, payload map[string]any) (ChangeEvent, error) {
	if target == TableUnsupported || target.StorageName() == "" {
		return ChangeEvent{}, newServiceError(opInsertRecord, "unsupported_target", ErrUnsupportedTable)
	}

	fields := cloneFields(payload)
	now := s.clock().UTC()
	if !target.Composite() {
		if _, ok := stringField(fields, "id"); !ok {
			fields["id"] = uuid.NewString()
		}
	}
	if target == TableBases {
		fields["id"] = baseID.String()
		fields["workspace_id"] = workspaceID.String()
	} else {
		fields["base_id"] = baseID.String()
	}
	if _, ok := fields["created_at_s"]; !ok {
		fields["created_at_s"] = now.Unix()
	}
	if _, ok := fields["updated_at_s"]; !ok {
		fields["updated_at_s"] = now.Unix()
	}

	event, err := s.buildEvent(EventInsert, target, workspaceID, baseID, fields, now)
	if err != nil {
		return ChangeEvent{}, newServiceError(opInsertRecord, "encode_payload", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(target.StorageName()).Create(fields).Error; err != nil {
			return err
		}
		return s.log.Append(tx, event)
	})
	if err != nil {
		return ChangeEvent{}, newServiceError(opInsertRecord, "commit", err)
	}

	s.broadcaster.Emit(event)
	return event, nil
}

// UpdateRecord applies changed fields to an existing record and emits
// META_UPDATE. The payload must carry the record key.
func (s *Service) UpdateRecord(ctx context.Context, workspaceID WorkspaceID, baseID BaseID, target Table, payload map[string]any) (ChangeEvent, error) {
	if target == TableUnsupported || target.StorageName() == "" {
		return ChangeEvent{}, newServiceError(opUpdateRecord, "unsupported_target", ErrUnsupportedTable)
	}

	fields := cloneFields(payload)
	now := s.clock().UTC()
	fields["updated_at_s"] = now.Unix()

	key, err := PrimaryKey(target, baseID, fields)
	if err != nil {
		return ChangeEvent{}, newServiceError(opUpdateRecord, "missing_key", err)
	}

	event, err := s.buildEvent(EventUpdate, target, workspaceID, baseID, fields, now)
	if err != nil {
		return ChangeEvent{}, newServiceError(opUpdateRecord, "encode_payload", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Table(target.StorageName()).Where(key)
		if scope := BaseScope(target, baseID); scope != nil {
			query = query.Where(scope)
		}
		if err := query.Updates(fields).Error; err != nil {
			return err
		}
		return s.log.Append(tx, event)
	})
	if err != nil {
		return ChangeEvent{}, newServiceError(opUpdateRecord, "commit", err)
	}

	s.broadcaster.Emit(event)
	return event, nil
}

// DeleteRecord removes a record and emits META_DELETE.
func (s *Service) DeleteRecord(ctx context.Context, workspaceID WorkspaceID, baseID BaseID, target Table, payload map[string]any) (ChangeEvent, error) {
	if target == TableUnsupported || target.StorageName() == "" {
		return ChangeEvent{}, newServiceError(opDeleteRecord, "unsupported_target", ErrUnsupportedTable)
	}

	fields := cloneFields(payload)
	now := s.clock().UTC()

	key, err := PrimaryKey(target, baseID, fields)
	if err != nil {
		return ChangeEvent{}, newServiceError(opDeleteRecord, "missing_key", err)
	}

	event, err := s.buildEvent(EventDelete, target, workspaceID, baseID, fields, now)
	if err != nil {
		return ChangeEvent{}, newServiceError(opDeleteRecord, "encode_payload", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Table(target.StorageName()).Where(key)
		if scope := BaseScope(target, baseID); scope != nil {
			query = query.Where(scope)
		}
		if err := query.Delete(nil).Error; err != nil {
			return err
		}
		return s.log.Append(tx, event)
	})
	if err != nil {
		return ChangeEvent{}, newServiceError(opDeleteRecord, "commit", err)
	}

	s.broadcaster.Emit(event)
	return event, nil
}

func (s *Service) buildEvent(eventType EventType, target Table, workspaceID WorkspaceID, baseID BaseID, fields map[string]any, now time.Time) (ChangeEvent, error) {
	payloadJSON, err := json.Marshal(fields)
	if err != nil {
		return ChangeEvent{}, err
	}
	return ChangeEvent{
		Type:        eventType,
		Target:      target,
		Payload:     payloadJSON,
		EventID:     s.node.Generate().Int64(),
		WorkspaceID: workspaceID,
		BaseID:      baseID,
		Timestamp:   now,
	}, nil
}

// BaseScope returns the base guard for a replicated table: bases rows match
// on their own id, everything else on base_id.
func BaseScope(target Table, baseID BaseID) map[string]any {
	if target == TableBases {
		return map[string]any{"id": baseID.String()}
	}
	if target.Composite() {
		// composite keys already include base_id
		return nil
	}
	return map[string]any{"base_id": baseID.String()}
}

func cloneFields(payload map[string]any) map[string]any {
	fields := make(map[string]any, len(payload)+4)
	for name, value := range payload {
		fields[name] = value
	}
	return fields
}
