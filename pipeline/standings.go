package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/cantart/racemerge/dataset"
	"github.com/cantart/racemerge/merge"
)

// StandingsColumns is the schema of f1_presentation.constructor_standings.
var StandingsColumns = []dataset.Column{
	{Name: "race_year", Type: dataset.Int},
	{Name: "team", Type: dataset.String},
	{Name: "total_points", Type: dataset.Float},
	{Name: "wins", Type: dataset.Int},
	{Name: "rank", Type: dataset.Int},
}

// StandingsMatch pairs a team's season row with the stored one.
var StandingsMatch = dataset.On("team", "race_year")

var raceResultsColumns = []dataset.Column{
	{Name: "race_year", Type: dataset.Int},
	{Name: "team", Type: dataset.String},
	{Name: "points", Type: dataset.Float},
	{Name: "position", Type: dataset.Int},
}

// ConstructorStandings recomputes the standings of every season touched by
// fileDate from f1_presentation.race_results and merges them into
// f1_presentation.constructor_standings.
func (p *Pipeline) ConstructorStandings(ctx context.Context, fileDate string) (merge.Outcome, error) {
	params := Params{FileDate: fileDate}
	if err := params.validate(); err != nil {
		return merge.Outcome{}, err
	}
	logger := p.runLogger("constructor_standings", params)

	source, err := p.target(merge.LayerPresentation, PresentationNamespace, "race_results")
	if err != nil {
		return merge.Outcome{}, err
	}
	touched, err := p.coord.Read(ctx, source, dataset.Filter{Column: "file_date", Values: []any{fileDate}})
	if err != nil {
		return merge.Outcome{}, err
	}
	if err := requireColumns(touched, source, raceResultsColumns); err != nil {
		return merge.Outcome{}, err
	}
	years, err := touched.Distinct("race_year")
	if err != nil {
		return merge.Outcome{}, err
	}
	logger.Debug().Int("seasons", len(years)).Msg("seasons touched by file date")

	var results *dataset.ResultSet
	if len(years) == 0 {
		results = touched
	} else if results, err = p.coord.Read(ctx, source, dataset.Filter{Column: "race_year", Values: years}); err != nil {
		return merge.Outcome{}, err
	}

	standings, err := computeStandings(results)
	if err != nil {
		return merge.Outcome{}, err
	}
	target, err := p.target(merge.LayerPresentation, PresentationNamespace, "constructor_standings")
	if err != nil {
		return merge.Outcome{}, err
	}
	out, err := p.coord.Apply(ctx, standings, target, StandingsMatch, "race_year")
	if err != nil {
		return out, err
	}
	logOutcome(logger, out, standings.Len())
	return out, nil
}

func requireColumns(rs *dataset.ResultSet, source merge.Target, want []dataset.Column) error {
	have := make(map[string]dataset.Type, len(rs.Columns()))
	for _, c := range rs.Columns() {
		have[c.Name] = c.Type
	}
	se := &merge.SchemaError{Table: source.Ident.String()}
	for _, c := range want {
		typ, ok := have[c.Name]
		switch {
		case !ok:
			se.Missing = append(se.Missing, c.Name)
		case typ != c.Type:
			se.Conflicts = append(se.Conflicts, fmt.Sprintf("%s (%s, want %s)", c.Name, typ, c.Type))
		}
	}
	if len(se.Missing) > 0 || len(se.Conflicts) > 0 {
		return se
	}
	return nil
}

type standing struct {
	year   any
	team   any
	points any
	wins   int64
	rank   int64
}

// computeStandings groups race results by season and team: total_points is
// the sum of points (nil when no row has points) and wins counts first
// places. Within a season teams are ranked by total_points then wins, both
// descending; ties share a rank and the next rank skips.
func computeStandings(results *dataset.ResultSet) (*dataset.ResultSet, error) {
	groups := make(map[string]*standing)
	var order []*standing
	for i := 0; i < results.Len(); i++ {
		year, team := results.Value(i, "race_year"), results.Value(i, "team")
		key := dataset.KeyOf(year) + "\x1f" + dataset.KeyOf(team)
		s, ok := groups[key]
		if !ok {
			s = &standing{year: year, team: team}
			groups[key] = s
			order = append(order, s)
		}
		if pts, ok := results.Value(i, "points").(float64); ok {
			sum, _ := s.points.(float64)
			s.points = sum + pts
		}
		if pos, ok := results.Value(i, "position").(int64); ok && pos == 1 {
			s.wins++
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if c := dataset.Compare(a.year, b.year); c != 0 {
			return c < 0
		}
		if c := comparePoints(a, b); c != 0 {
			return c > 0
		}
		if a.wins != b.wins {
			return a.wins > b.wins
		}
		return dataset.Compare(a.team, b.team) < 0
	})
	var pos int64
	for i, s := range order {
		if i == 0 || dataset.Compare(order[i-1].year, s.year) != 0 {
			pos = 0
		}
		pos++
		prev := order[max(i-1, 0)]
		if pos > 1 && comparePoints(prev, s) == 0 && prev.wins == s.wins {
			s.rank = prev.rank
		} else {
			s.rank = pos
		}
	}

	rows := make([][]any, len(order))
	for i, s := range order {
		rows[i] = []any{s.year, s.team, s.points, s.wins, s.rank}
	}
	return newResultSet(StandingsColumns, rows)
}

// comparePoints orders nil total points below any number.
func comparePoints(a, b *standing) int {
	return dataset.Compare(a.points, b.points)
}
