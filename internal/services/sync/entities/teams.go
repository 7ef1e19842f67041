package entities

import (
	"context"
	"fmt"

	"github.com/louisbranch/matchsync/internal/services/sync/domain"
	"github.com/louisbranch/matchsync/internal/services/sync/pipeline"
)

// TeamsTable mirrors teams, pulled per league country.
func TeamsTable() domain.Table {
	return domain.Table{
		Name: Teams,
		Columns: []domain.Column{
			{Name: "team_id", Type: domain.Integer},
			{Name: "team_name", Type: domain.Text, Nullable: true},
			{Name: "country_name", Type: domain.Text, Nullable: true, KeepOnNull: true},
			{Name: "logo", Type: domain.Text, Nullable: true, KeepOnNull: true},
		},
		PrimaryKey: []string{"team_id"},
	}
}

type teamItem struct {
	Team struct {
		ID      *int64  `json:"id"`
		Name    *string `json:"name"`
		Country *string `json:"country"`
		Logo    *string `json:"logo"`
	} `json:"team"`
}

func parseTeams(_ context.Context, body []byte) ([]domain.Row, error) {
	items, _, err := decode[teamItem](body)
	if err != nil {
		return nil, err
	}
	rows := make([]domain.Row, 0, len(items))
	for _, item := range items {
		rows = append(rows, domain.Row{
			"team_id":      intOrNil(item.Team.ID),
			"team_name":    stringOrNil(item.Team.Name),
			"country_name": stringOrNil(item.Team.Country),
			"logo":         stringOrNil(item.Team.Logo),
		})
	}
	return rows, nil
}

// teamsWindow targets every country that hosts a mirrored league.
func teamsWindow(store Store) pipeline.WindowFunc {
	return func(ctx context.Context) (domain.Window, error) {
		if err := store.EnsureTable(ctx, LeaguesTable()); err != nil {
			return domain.Window{}, err
		}
		countries, err := store.QueryStrings(ctx,
			"SELECT DISTINCT country_name FROM leagues WHERE country_name IS NOT NULL ORDER BY country_name")
		if err != nil {
			return domain.Window{}, fmt.Errorf("league countries: %w", err)
		}
		return domain.Window{Keys: countries}, nil
	}
}

func teams(deps Deps) pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:   Teams,
		Table:  TeamsTable(),
		Subdir: Teams,
		Window: teamsWindow(deps.Store),
		Fetch:  keyedFetch(deps, Teams, "teams", "country"),
		Parse:  parseTeams,
	}
}
