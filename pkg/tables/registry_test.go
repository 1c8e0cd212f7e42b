package tables

import (
	"strings"
	"testing"
)

func cols(names ...string) []Column {
	out := make([]Column, len(names))
	for i, n := range names {
		out[i] = Column{Name: n, Type: Text}
	}
	return out
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name    string
		desc    Descriptor
		wantErr bool
	}{
		{"valid", Descriptor{Name: "notes", PrimaryKey: "id", Columns: cols("id", "body")}, false},
		{"no name", Descriptor{PrimaryKey: "id", Columns: cols("id")}, true},
		{"no primary key", Descriptor{Name: "notes", Columns: cols("id")}, true},
		{"pk not a column", Descriptor{Name: "notes", PrimaryKey: "id", Columns: cols("body")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			if err := r.Register(tt.desc); (err != nil) != tt.wantErr {
				t.Errorf("Register() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := NewRegistry(Users)
	if err := r.Register(Users); err == nil {
		t.Error("expected error registering duplicate table")
	}
}

func TestLookup(t *testing.T) {
	if _, ok := Default.Lookup("tasks"); !ok {
		t.Error("tasks should be registered")
	}
	if _, ok := Default.Lookup("no_such_table"); ok {
		t.Error("unknown table should not resolve")
	}
}

func TestNames_Sorted(t *testing.T) {
	names := Default.Names()
	want := []string{"projects", "tasks", "users"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}
}

func TestPrimaryKeyValue(t *testing.T) {
	row := Row{"id": "t-1", "title": "hello"}
	pk, ok := Tasks.PrimaryKeyValue(row)
	if !ok || pk != "t-1" {
		t.Errorf("PrimaryKeyValue = %q, %v", pk, ok)
	}

	if _, ok := Tasks.PrimaryKeyValue(Row{"title": "no id"}); ok {
		t.Error("missing primary key should not resolve")
	}
	if _, ok := Tasks.PrimaryKeyValue(Row{"id": ""}); ok {
		t.Error("empty primary key should not resolve")
	}
}

func TestCoerceRow(t *testing.T) {
	// JSON numbers decode as float64; Integer columns must come out int64.
	row := Row{"id": "p-1", "name": "alpha", "archived": true, "updated_at": float64(1234)}
	got, err := Projects.CoerceRow(row)
	if err != nil {
		t.Fatal(err)
	}
	if got["updated_at"] != int64(1234) {
		t.Errorf("updated_at = %#v, want int64(1234)", got["updated_at"])
	}
	if got["archived"] != true || got["id"] != "p-1" {
		t.Errorf("coerced = %#v", got)
	}
}

func TestCoerceRow_Errors(t *testing.T) {
	tests := []struct {
		name string
		row  Row
	}{
		{"unknown column", Row{"id": "p-1", "mystery": "x"}},
		{"wrong type for integer", Row{"id": "p-1", "updated_at": "yesterday"}},
		{"wrong type for boolean", Row{"id": "p-1", "archived": "yes"}},
		{"wrong type for text", Row{"id": "p-1", "name": float64(7)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Projects.CoerceRow(tt.row); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCreateDDL(t *testing.T) {
	sqlite := CreateDDL(Projects, DialectSQLite)
	if !strings.Contains(sqlite, "id TEXT PRIMARY KEY") || !strings.Contains(sqlite, "updated_at INTEGER") {
		t.Errorf("sqlite DDL = %s", sqlite)
	}

	pg := CreateDDL(Projects, DialectPostgres)
	if !strings.Contains(pg, "updated_at BIGINT") || !strings.Contains(pg, "IF NOT EXISTS projects") {
		t.Errorf("postgres DDL = %s", pg)
	}
}
