package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func fixturesTable() Table {
	return Table{
		Name: "fixtures",
		Columns: []Column{
			{Name: "fixture_id", Type: Integer},
			{Name: "status", Type: Text, Nullable: true},
			{Name: "referee", Type: Text, Nullable: true, KeepOnNull: true},
		},
		PrimaryKey: []string{"fixture_id"},
	}
}

func TestTableValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Table)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Table) {}},
		{name: "bad table name", mutate: func(tb *Table) { tb.Name = "Fixtures; DROP" }, wantErr: true},
		{name: "no columns", mutate: func(tb *Table) { tb.Columns = nil }, wantErr: true},
		{name: "no key", mutate: func(tb *Table) { tb.PrimaryKey = nil }, wantErr: true},
		{name: "undeclared key", mutate: func(tb *Table) { tb.PrimaryKey = []string{"id"} }, wantErr: true},
		{name: "nullable key", mutate: func(tb *Table) { tb.PrimaryKey = []string{"status"} }, wantErr: true},
		{name: "duplicate column", mutate: func(tb *Table) {
			tb.Columns = append(tb.Columns, Column{Name: "status", Type: Text})
		}, wantErr: true},
		{name: "unknown type", mutate: func(tb *Table) { tb.Columns[1].Type = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := fixturesTable()
			tt.mutate(&tb)
			err := tb.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRowMissingKeys(t *testing.T) {
	tb := Table{
		Name:       "fixture_events",
		Columns:    []Column{{Name: "fixture_id", Type: Integer}, {Name: "seq", Type: Integer}},
		PrimaryKey: []string{"fixture_id", "seq"},
	}
	if got := (Row{"fixture_id": 1, "seq": 0}).MissingKeys(tb); len(got) != 0 {
		t.Fatalf("MissingKeys() = %v, want none for a complete composite key", got)
	}
	row := Row{"fixture_id": 1, "seq": nil}
	if got := row.MissingKeys(tb); len(got) != 1 || got[0] != "seq" {
		t.Fatalf("MissingKeys() = %v, want [seq]", got)
	}
}

func TestParseStage(t *testing.T) {
	got, err := ParseStage(" Process ")
	if err != nil {
		t.Fatalf("parse stage: %v", err)
	}
	if got != StageProcess {
		t.Fatalf("stage = %q, want %q", got, StageProcess)
	}
	if _, err := ParseStage("export"); err == nil {
		t.Fatal("expected unknown stage error")
	}
}

func TestTransformFuncNilIsIdentity(t *testing.T) {
	rows := []Row{{"fixture_id": 1}}
	out, err := TransformFunc{Label: "noop"}.Apply(context.Background(), rows)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("rows = %d, want 1", len(out))
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("quota gone")
	err := fmt.Errorf("run fixtures: %w", Permanent(base))
	if !IsPermanent(err) {
		t.Fatal("expected wrapped permanent error")
	}
	if !errors.Is(err, base) {
		t.Fatal("expected permanent error to unwrap to cause")
	}
	if Permanent(nil) != nil {
		t.Fatal("expected nil passthrough")
	}
	if IsPermanent(base) {
		t.Fatal("plain error should not be permanent")
	}
}
