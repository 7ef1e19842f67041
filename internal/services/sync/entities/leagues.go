package entities

import (
	"context"

	"github.com/louisbranch/matchsync/internal/services/sync/domain"
	"github.com/louisbranch/matchsync/internal/services/sync/pipeline"
)

// LeaguesTable mirrors the provider's league list.
func LeaguesTable() domain.Table {
	return domain.Table{
		Name: Leagues,
		Columns: []domain.Column{
			{Name: "league_id", Type: domain.Integer},
			{Name: "league_name", Type: domain.Text},
			{Name: "type", Type: domain.Text, Nullable: true},
			{Name: "logo", Type: domain.Text, Nullable: true},
			{Name: "country_name", Type: domain.Text, Nullable: true},
		},
		PrimaryKey: []string{"league_id"},
	}
}

type leagueItem struct {
	League struct {
		ID   *int64  `json:"id"`
		Name string  `json:"name"`
		Type *string `json:"type"`
		Logo *string `json:"logo"`
	} `json:"league"`
	Country struct {
		Name *string `json:"name"`
	} `json:"country"`
}

func parseLeagues(_ context.Context, body []byte) ([]domain.Row, error) {
	items, _, err := decode[leagueItem](body)
	if err != nil {
		return nil, err
	}
	rows := make([]domain.Row, 0, len(items))
	for _, item := range items {
		rows = append(rows, domain.Row{
			"league_id":    intOrNil(item.League.ID),
			"league_name":  item.League.Name,
			"type":         stringOrNil(item.League.Type),
			"logo":         stringOrNil(item.League.Logo),
			"country_name": stringOrNil(item.Country.Name),
		})
	}
	return rows, nil
}

// The league list is a single unparameterized document.
func leaguesWindow(context.Context) (domain.Window, error) {
	return domain.Window{Keys: []string{"all"}}, nil
}

func leagues(deps Deps) pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:   Leagues,
		Table:  LeaguesTable(),
		Subdir: Leagues,
		Window: leaguesWindow,
		Fetch:  keyedFetch(deps, Leagues, "leagues", ""),
		Parse:  parseLeagues,
	}
}
