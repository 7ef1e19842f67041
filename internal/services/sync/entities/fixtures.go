package entities

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/matchsync/internal/services/sync/domain"
	"github.com/louisbranch/matchsync/internal/services/sync/pipeline"
	"github.com/louisbranch/matchsync/internal/services/sync/storage"
)

// Fixture status codes used by windows and transforms.
const (
	StatusNotStarted = "NS"
	StatusPostponed  = "PST"
)

// finishedStatuses mark fixtures whose statistics and events are final.
var finishedStatuses = []string{"FT", "AET", "PEN"}

// fixtureDays is how far either side of today the fixtures window reaches.
const fixtureDays = 2

// FixturesTable mirrors fixtures by date.
func FixturesTable() domain.Table {
	return domain.Table{
		Name: Fixtures,
		Columns: []domain.Column{
			{Name: "fixture_id", Type: domain.Integer},
			{Name: "league_id", Type: domain.Integer},
			{Name: "league_name", Type: domain.Text},
			{Name: "country_name", Type: domain.Text},
			{Name: "season_year", Type: domain.Text},
			{Name: "season_stage", Type: domain.Text},
			{Name: "round", Type: domain.Text, Nullable: true},
			{Name: "date", Type: domain.Timestamp},
			{Name: "status", Type: domain.Text},
			// Referees are often announced after the first pull.
			{Name: "referee", Type: domain.Text, Nullable: true, KeepOnNull: true},
			{Name: "home_team_id", Type: domain.Integer},
			{Name: "home_team_name", Type: domain.Text},
			{Name: "away_team_id", Type: domain.Integer},
			{Name: "away_team_name", Type: domain.Text},
			{Name: "goals_home", Type: domain.Integer, Nullable: true},
			{Name: "goals_away", Type: domain.Integer, Nullable: true},
			{Name: "goals_home_ht", Type: domain.Integer, Nullable: true},
			{Name: "goals_away_ht", Type: domain.Integer, Nullable: true},
		},
		PrimaryKey: []string{"fixture_id"},
	}
}

type fixtureTeam struct {
	ID   *int64 `json:"id"`
	Name string `json:"name"`
}

type fixtureItem struct {
	Fixture struct {
		ID      *int64  `json:"id"`
		Referee *string `json:"referee"`
		Date    string  `json:"date"`
		Status  struct {
			Short string `json:"short"`
		} `json:"status"`
	} `json:"fixture"`
	League struct {
		ID      *int64 `json:"id"`
		Name    string `json:"name"`
		Country string `json:"country"`
		Season  *int64 `json:"season"`
		Round   string `json:"round"`
	} `json:"league"`
	Teams struct {
		Home fixtureTeam `json:"home"`
		Away fixtureTeam `json:"away"`
	} `json:"teams"`
	Goals struct {
		Home *int64 `json:"home"`
		Away *int64 `json:"away"`
	} `json:"goals"`
	Score struct {
		Halftime struct {
			Home *int64 `json:"home"`
			Away *int64 `json:"away"`
		} `json:"halftime"`
	} `json:"score"`
}

// splitRound separates "Regular Season - 12" into stage and round.
func splitRound(raw string) (stage string, round any) {
	stage, rest, found := strings.Cut(raw, " - ")
	if !found {
		return strings.TrimSpace(raw), nil
	}
	return strings.TrimSpace(stage), strings.TrimSpace(rest)
}

func parseFixtures(_ context.Context, body []byte) ([]domain.Row, error) {
	items, _, err := decode[fixtureItem](body)
	if err != nil {
		return nil, err
	}
	rows := make([]domain.Row, 0, len(items))
	for i, item := range items {
		date, err := time.Parse(time.RFC3339, item.Fixture.Date)
		if err != nil {
			return nil, fmt.Errorf("fixture %d: date %q: %w", i, item.Fixture.Date, err)
		}
		var season any
		if item.League.Season != nil {
			season = strconv.FormatInt(*item.League.Season, 10)
		}
		stage, round := splitRound(item.League.Round)
		rows = append(rows, domain.Row{
			"fixture_id":     intOrNil(item.Fixture.ID),
			"league_id":      intOrNil(item.League.ID),
			"league_name":    item.League.Name,
			"country_name":   item.League.Country,
			"season_year":    season,
			"season_stage":   stage,
			"round":          round,
			"date":           date.UTC(),
			"status":         item.Fixture.Status.Short,
			"referee":        stringOrNil(item.Fixture.Referee),
			"home_team_id":   intOrNil(item.Teams.Home.ID),
			"home_team_name": item.Teams.Home.Name,
			"away_team_id":   intOrNil(item.Teams.Away.ID),
			"away_team_name": item.Teams.Away.Name,
			"goals_home":     intOrNil(item.Goals.Home),
			"goals_away":     intOrNil(item.Goals.Away),
			"goals_home_ht":  intOrNil(item.Score.Halftime.Home),
			"goals_away_ht":  intOrNil(item.Score.Halftime.Away),
		})
	}
	return rows, nil
}

// dropPostponed removes postponed fixtures; their dates are placeholders.
var dropPostponed = domain.TransformFunc{
	Label: "drop_postponed",
	Fn: func(_ context.Context, rows []domain.Row) ([]domain.Row, error) {
		kept := make([]domain.Row, 0, len(rows))
		for _, row := range rows {
			if row["status"] == StatusPostponed {
				continue
			}
			kept = append(kept, row)
		}
		return kept, nil
	},
}

// fixturesWindow covers today plus or minus two days, and every earlier date
// that still has a fixture recorded as not started.
func fixturesWindow(deps Deps) pipeline.WindowFunc {
	return func(ctx context.Context) (domain.Window, error) {
		today := deps.today()
		keys := dateKeys(today.AddDate(0, 0, -fixtureDays), today.AddDate(0, 0, fixtureDays))

		if err := deps.Store.EnsureTable(ctx, FixturesTable()); err != nil {
			return domain.Window{}, err
		}
		stale, err := deps.Store.QueryStrings(ctx,
			"SELECT DISTINCT date FROM fixtures WHERE status = ? AND date < ?",
			StatusNotStarted, today.AddDate(0, 0, -fixtureDays))
		if err != nil {
			return domain.Window{}, fmt.Errorf("stale fixture dates: %w", err)
		}

		seen := make(map[string]bool, len(keys)+len(stale))
		for _, key := range keys {
			seen[key] = true
		}
		var extra []string
		for _, raw := range stale {
			day, ok := dayOf(raw)
			if !ok || seen[day] {
				continue
			}
			seen[day] = true
			extra = append(extra, day)
		}
		sort.Strings(extra)
		return domain.Window{Keys: append(extra, keys...), Update: true}, nil
	}
}

// loadFixtures makes sure both teams of every fixture exist before the
// fixtures themselves are written. Existing teams are never modified.
func loadFixtures(store Store) pipeline.LoadFunc {
	return func(ctx context.Context, rows []domain.Row) (storage.UpsertResult, error) {
		teamRows := make([]domain.Row, 0, 2*len(rows))
		for _, row := range rows {
			for _, side := range []string{"home", "away"} {
				id := row[side+"_team_id"]
				if id == nil {
					continue
				}
				teamRows = append(teamRows, domain.Row{
					"team_id":      id,
					"team_name":    row[side+"_team_name"],
					"country_name": nil,
					"logo":         nil,
				})
			}
		}
		if len(teamRows) > 0 {
			if _, err := store.InsertMissing(ctx, TeamsTable(), teamRows); err != nil {
				return storage.UpsertResult{}, fmt.Errorf("ensure fixture teams: %w", err)
			}
		}
		return store.Upsert(ctx, FixturesTable(), rows)
	}
}

func fixtures(deps Deps) pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:       Fixtures,
		Table:      FixturesTable(),
		Subdir:     Fixtures,
		Window:     fixturesWindow(deps),
		Fetch:      keyedFetch(deps, Fixtures, "fixtures", "date"),
		Parse:      parseFixtures,
		Transforms: []domain.Transform{dropPostponed},
		Load:       loadFixtures(deps.Store),
	}
}
