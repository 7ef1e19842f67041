package sqlstore

import (
	"encoding/json"
	"testing"

	apperrors "github.com/louisbranch/matchsync/internal/platform/errors"
	"github.com/louisbranch/matchsync/internal/services/sync/domain"
)

func TestKeyOfNormalizesEquivalentValues(t *testing.T) {
	table := domain.Table{
		Name:       "fixture_statistics",
		Columns:    []domain.Column{{Name: "fixture_id", Type: domain.Integer}, {Name: "team_id", Type: domain.Integer}},
		PrimaryKey: []string{"fixture_id", "team_id"},
	}
	variants := []domain.Row{
		{"fixture_id": 1035045, "team_id": 33},
		{"fixture_id": "1035045", "team_id": int64(33)},
		{"fixture_id": json.Number("1035045"), "team_id": 33.0},
		{"fixture_id": []byte("1035045"), "team_id": uint8(33)},
	}
	_, want, err := keyOf(table, variants[0])
	if err != nil {
		t.Fatalf("keyOf: %v", err)
	}
	for _, row := range variants[1:] {
		_, got, err := keyOf(table, row)
		if err != nil {
			t.Fatalf("keyOf(%v): %v", row, err)
		}
		if got != want {
			t.Fatalf("keyOf(%v) = %q, want %q", row, got, want)
		}
	}
}

func TestKeyOfCastFailure(t *testing.T) {
	table := domain.Table{
		Name:       "teams",
		Columns:    []domain.Column{{Name: "team_id", Type: domain.Integer}},
		PrimaryKey: []string{"team_id"},
	}
	for _, v := range []any{"abc", 1.5, nil, struct{}{}} {
		_, _, err := keyOf(table, domain.Row{"team_id": v})
		if !apperrors.Is(err, apperrors.CodeKeyCastError) {
			t.Fatalf("keyOf(%v) err = %v, want %s", v, err, apperrors.CodeKeyCastError)
		}
	}
}

func TestCastText(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"England", "England"},
		{39, "39"},
		{float64(40), "40"},
		{[]byte("Spain"), "Spain"},
	}
	for _, tt := range tests {
		got, err := castText(tt.in)
		if err != nil || got != tt.want {
			t.Fatalf("castText(%v) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}
