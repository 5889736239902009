package meta

import (
	"errors"
	"fmt"
)

// ErrMissingPrimaryKey indicates an event payload that carries no usable key
// for the targeted table.
var ErrMissingPrimaryKey = errors.New("meta: payload missing primary key")

// PrimaryKey resolves the record key for a replicated table from an event
// payload: (base_id, fk_user_id) for membership rows, the surrogate id
// otherwise. The returned map is suitable as a scoped WHERE clause once the
// caller adds the base_id guard.
func PrimaryKey(target Table, baseID BaseID, fields map[string]any) (map[string]any, error) {
	if target.Composite() {
		fkUserID, ok := stringField(fields, "fk_user_id")
		if !ok {
			return nil, fmt.Errorf("%w: %s requires fk_user_id", ErrMissingPrimaryKey, target)
		}
		return map[string]any{"base_id": baseID.String(), "fk_user_id": fkUserID}, nil
	}
	id, ok := stringField(fields, "id")
	if !ok {
		return nil, fmt.Errorf("%w: %s requires id", ErrMissingPrimaryKey, target)
	}
	return map[string]any{"id": id}, nil
}

// KeyColumns returns the conflict target columns for idempotent inserts.
// They mirror each table's primary key: bases rows are globally unique by
// id, membership rows by (base_id, fk_user_id), and every other replicated
// row by (base_id, id) since surrogate ids are only unique within a base.
func KeyColumns(target Table) []string {
	if target == TableBases {
		return []string{"id"}
	}
	if target.Composite() {
		return []string{"base_id", "fk_user_id"}
	}
	return []string{"base_id", "id"}
}

func stringField(fields map[string]any, name string) (string, bool) {
	raw, ok := fields[name]
	if !ok {
		return "", false
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}
