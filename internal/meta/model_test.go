package meta

import (
	"errors"
	"strings"
	"testing"
)

func TestParseTableResolvesReplicatedSet(t *testing.T) {
	for _, table := range ReplicatedTables() {
		parsed, err := ParseTable(table.String())
		if err != nil {
			t.Fatalf("parse %q failed: %v", table.String(), err)
		}
		if parsed != table {
			t.Fatalf("expected %v, got %v", table, parsed)
		}
		if parsed.StorageName() == "" {
			t.Fatalf("table %q has no storage binding", table.String())
		}
	}
}

func TestParseTableRejectsUnknownTargets(t *testing.T) {
	for _, name := range []string{"", "users", "meta_bases", "BASES"} {
		parsed, err := ParseTable(name)
		if !errors.Is(err, ErrUnsupportedTable) {
			t.Fatalf("expected ErrUnsupportedTable for %q, got %v", name, err)
		}
		if parsed != TableUnsupported {
			t.Fatalf("expected TableUnsupported for %q, got %v", name, parsed)
		}
	}
}

func TestParseEventTypeValidatesOperations(t *testing.T) {
	for _, value := range []string{"META_INSERT", "META_UPDATE", "META_DELETE"} {
		if _, err := ParseEventType(value); err != nil {
			t.Fatalf("parse %q failed: %v", value, err)
		}
	}
	if _, err := ParseEventType("META_UPSERT"); !errors.Is(err, ErrInvalidEventType) {
		t.Fatalf("expected ErrInvalidEventType, got %v", err)
	}
}

func TestNewWorkspaceIDBoundsInput(t *testing.T) {
	id, err := NewWorkspaceID("  ws_main  ")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if id.String() != "ws_main" {
		t.Fatalf("expected trimmed id, got %q", id.String())
	}

	if _, err := NewWorkspaceID("   "); !errors.Is(err, ErrInvalidWorkspaceID) {
		t.Fatalf("expected ErrInvalidWorkspaceID for blank input, got %v", err)
	}
	if _, err := NewWorkspaceID(strings.Repeat("w", 191)); !errors.Is(err, ErrInvalidWorkspaceID) {
		t.Fatalf("expected ErrInvalidWorkspaceID for oversize input, got %v", err)
	}
	if _, err := NewBaseID(""); !errors.Is(err, ErrInvalidBaseID) {
		t.Fatalf("expected ErrInvalidBaseID for empty input, got %v", err)
	}
}

func TestPrimaryKeyResolution(t *testing.T) {
	key, err := PrimaryKey(TableColumns, BaseID("b1"), map[string]any{"id": "col1", "title": "Name"})
	if err != nil {
		t.Fatalf("resolve surrogate key failed: %v", err)
	}
	if key["id"] != "col1" || len(key) != 1 {
		t.Fatalf("unexpected surrogate key: %v", key)
	}

	key, err = PrimaryKey(TableBaseUsers, BaseID("b1"), map[string]any{"fk_user_id": "u1", "roles": "editor"})
	if err != nil {
		t.Fatalf("resolve composite key failed: %v", err)
	}
	if key["base_id"] != "b1" || key["fk_user_id"] != "u1" {
		t.Fatalf("unexpected composite key: %v", key)
	}

	if _, err := PrimaryKey(TableBaseUsers, BaseID("b1"), map[string]any{"id": "u1"}); !errors.Is(err, ErrMissingPrimaryKey) {
		t.Fatalf("expected ErrMissingPrimaryKey without fk_user_id, got %v", err)
	}
	if _, err := PrimaryKey(TableViews, BaseID("b1"), map[string]any{"title": "Grid"}); !errors.Is(err, ErrMissingPrimaryKey) {
		t.Fatalf("expected ErrMissingPrimaryKey without id, got %v", err)
	}
}

func TestBaseScopeGuardsPerTable(t *testing.T) {
	if scope := BaseScope(TableBases, BaseID("b1")); scope["id"] != "b1" {
		t.Fatalf("expected bases to scope on own id, got %v", scope)
	}
	if scope := BaseScope(TableBaseUsers, BaseID("b1")); scope != nil {
		t.Fatalf("expected no extra scope for composite table, got %v", scope)
	}
	if scope := BaseScope(TableModels, BaseID("b1")); scope["base_id"] != "b1" {
		t.Fatalf("expected base_id scope, got %v", scope)
	}
}
