package entities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/louisbranch/matchsync/internal/services/sync/domain"
	"github.com/louisbranch/matchsync/internal/services/sync/pipeline"
)

// detailDays is how far back finished fixtures get statistics and events.
const detailDays = 2

const (
	detailChunkSize  = 50
	detailMaxWorkers = 4
)

// FixtureStatisticsTable holds one row of team statistics per fixture side.
func FixtureStatisticsTable() domain.Table {
	return domain.Table{
		Name: FixtureStatistics,
		Columns: []domain.Column{
			{Name: "fixture_id", Type: domain.Integer},
			{Name: "team_id", Type: domain.Integer},
			{Name: "side", Type: domain.Text},
			{Name: "team_name", Type: domain.Text, Nullable: true},
			// statistics is a JSON object of stat name to value.
			{Name: "statistics", Type: domain.Text, Nullable: true},
		},
		PrimaryKey: []string{"fixture_id", "team_id"},
	}
}

// FixtureEventsTable holds the ordered event log of each fixture.
func FixtureEventsTable() domain.Table {
	return domain.Table{
		Name: FixtureEvents,
		Columns: []domain.Column{
			{Name: "fixture_id", Type: domain.Integer},
			{Name: "event_id", Type: domain.Integer},
			{Name: "elapsed_time", Type: domain.Integer, Nullable: true},
			{Name: "extra_time", Type: domain.Integer, Nullable: true},
			{Name: "event_type", Type: domain.Text, Nullable: true},
			{Name: "event_detail", Type: domain.Text, Nullable: true},
			{Name: "team_id", Type: domain.Integer, Nullable: true},
			{Name: "team_name", Type: domain.Text, Nullable: true},
			{Name: "player_name", Type: domain.Text, Nullable: true},
		},
		PrimaryKey: []string{"fixture_id", "event_id"},
	}
}

type statisticsItem struct {
	Team struct {
		ID   *int64  `json:"id"`
		Name *string `json:"name"`
	} `json:"team"`
	Statistics []struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"statistics"`
}

var sides = []string{"home", "away"}

func parseFixtureStatistics(_ context.Context, body []byte) ([]domain.Row, error) {
	items, params, err := decode[statisticsItem](body)
	if err != nil {
		return nil, err
	}
	fixtureID, err := intParam(params, "fixture")
	if err != nil {
		return nil, err
	}
	if len(items) > len(sides) {
		return nil, fmt.Errorf("fixture %d: expected at most %d teams, got %d", fixtureID, len(sides), len(items))
	}
	rows := make([]domain.Row, 0, len(items))
	for i, item := range items {
		stats := make(map[string]json.RawMessage, len(item.Statistics))
		for _, s := range item.Statistics {
			value := s.Value
			if len(value) == 0 {
				value = json.RawMessage("null")
			}
			stats[s.Type] = value
		}
		encoded, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("fixture %d: encode statistics: %w", fixtureID, err)
		}
		rows = append(rows, domain.Row{
			"fixture_id": fixtureID,
			"team_id":    intOrNil(item.Team.ID),
			"side":       sides[i],
			"team_name":  stringOrNil(item.Team.Name),
			"statistics": string(encoded),
		})
	}
	return rows, nil
}

type eventItem struct {
	Time struct {
		Elapsed *int64 `json:"elapsed"`
		Extra   *int64 `json:"extra"`
	} `json:"time"`
	Team struct {
		ID   *int64  `json:"id"`
		Name *string `json:"name"`
	} `json:"team"`
	Player struct {
		Name *string `json:"name"`
	} `json:"player"`
	Type   *string `json:"type"`
	Detail *string `json:"detail"`
}

// parseFixtureEvents numbers events by their position in the provider's log,
// so ids stay stable when later filtering removes some of them.
func parseFixtureEvents(_ context.Context, body []byte) ([]domain.Row, error) {
	items, params, err := decode[eventItem](body)
	if err != nil {
		return nil, err
	}
	fixtureID, err := intParam(params, "fixture")
	if err != nil {
		return nil, err
	}
	rows := make([]domain.Row, 0, len(items))
	for i, item := range items {
		rows = append(rows, domain.Row{
			"fixture_id":   fixtureID,
			"event_id":     int64(i + 1),
			"elapsed_time": intOrNil(item.Time.Elapsed),
			"extra_time":   intOrNil(item.Time.Extra),
			"event_type":   stringOrNil(item.Type),
			"event_detail": stringOrNil(item.Detail),
			"team_id":      intOrNil(item.Team.ID),
			"team_name":    stringOrNil(item.Team.Name),
			"player_name":  stringOrNil(item.Player.Name),
		})
	}
	return rows, nil
}

// dropSubstitutions removes substitution events.
var dropSubstitutions = domain.TransformFunc{
	Label: "drop_substitutions",
	Fn: func(_ context.Context, rows []domain.Row) ([]domain.Row, error) {
		kept := make([]domain.Row, 0, len(rows))
		for _, row := range rows {
			if t, _ := row["event_type"].(string); strings.EqualFold(t, "subst") {
				continue
			}
			kept = append(kept, row)
		}
		return kept, nil
	},
}

// finishedFixturesWindow targets fixtures that finished in the last two days.
func finishedFixturesWindow(deps Deps) pipeline.WindowFunc {
	return func(ctx context.Context) (domain.Window, error) {
		if err := deps.Store.EnsureTable(ctx, FixturesTable()); err != nil {
			return domain.Window{}, err
		}
		today := deps.today()
		args := []any{today.AddDate(0, 0, -detailDays), today.AddDate(0, 0, 1)}
		placeholders := make([]string, len(finishedStatuses))
		for i, status := range finishedStatuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		query := "SELECT fixture_id FROM fixtures WHERE date >= ? AND date < ? AND status IN (" +
			strings.Join(placeholders, ", ") + ") ORDER BY fixture_id"
		ids, err := deps.Store.QueryStrings(ctx, query, args...)
		if err != nil {
			return domain.Window{}, fmt.Errorf("finished fixtures: %w", err)
		}
		return domain.Window{Keys: ids}, nil
	}
}

func fixtureStatistics(deps Deps) pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:       FixtureStatistics,
		Table:      FixtureStatisticsTable(),
		Subdir:     FixtureStatistics,
		Window:     finishedFixturesWindow(deps),
		Fetch:      keyedFetch(deps, FixtureStatistics, "fixtures/statistics", "fixture"),
		Parse:      parseFixtureStatistics,
		Concurrent: true,
		ChunkSize:  detailChunkSize,
		MaxWorkers: detailMaxWorkers,
	}
}

func fixtureEvents(deps Deps) pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:       FixtureEvents,
		Table:      FixtureEventsTable(),
		Subdir:     FixtureEvents,
		Window:     finishedFixturesWindow(deps),
		Fetch:      keyedFetch(deps, FixtureEvents, "fixtures/events", "fixture"),
		Parse:      parseFixtureEvents,
		Transforms: []domain.Transform{dropSubstitutions},
		Concurrent: true,
		ChunkSize:  detailChunkSize,
		MaxWorkers: detailMaxWorkers,
	}
}
