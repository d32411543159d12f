package pipeline

import (
	"context"
	"errors"

	"github.com/tidwall/gjson"

	"github.com/cantart/racemerge/dataset"
	"github.com/cantart/racemerge/merge"
)

// ResultColumns is the schema of f1_processed.results.
var ResultColumns = []dataset.Column{
	{Name: "result_id", Type: dataset.Int},
	{Name: "race_id", Type: dataset.Int},
	{Name: "driver_id", Type: dataset.Int},
	{Name: "constructor_id", Type: dataset.Int},
	{Name: "number", Type: dataset.Int},
	{Name: "grid", Type: dataset.Int},
	{Name: "position", Type: dataset.Int},
	{Name: "position_text", Type: dataset.String},
	{Name: "position_order", Type: dataset.Int},
	{Name: "points", Type: dataset.Float},
	{Name: "laps", Type: dataset.Int},
	{Name: "time", Type: dataset.String},
	{Name: "milliseconds", Type: dataset.Int},
	{Name: "fastest_lap", Type: dataset.Int},
	{Name: "rank", Type: dataset.Int},
	{Name: "fastest_lap_time", Type: dataset.String},
	{Name: "fastest_lap_speed", Type: dataset.Float},
	{Name: "ingestion_date", Type: dataset.Timestamp},
	{Name: "data_source", Type: dataset.String},
	{Name: "file_date", Type: dataset.String},
}

// ResultsMatch pairs an incoming result with the stored one.
var ResultsMatch = dataset.On("result_id", "race_id")

// IngestResults loads results.json and merges it into f1_processed.results,
// partitioned by race_id.
func (p *Pipeline) IngestResults(ctx context.Context, params Params) (merge.Outcome, error) {
	if err := params.validate(); err != nil {
		return merge.Outcome{}, err
	}
	logger := p.runLogger("ingest_results", params)

	rc, err := p.openRaw(ctx, params, "results.json")
	if err != nil {
		return merge.Outcome{}, err
	}
	defer rc.Close()

	ingested := p.now().UTC()
	var rows [][]any
	err = eachLine(rc, func(_ int, rec gjson.Result) error {
		id := intField(rec, "resultId")
		if id == nil {
			return errors.New("resultId is required")
		}
		// statusId is dropped.
		rows = append(rows, []any{
			id,
			intField(rec, "raceId"),
			intField(rec, "driverId"),
			intField(rec, "constructorId"),
			intField(rec, "number"),
			intField(rec, "grid"),
			intField(rec, "position"),
			stringField(rec, "positionText"),
			intField(rec, "positionOrder"),
			floatField(rec, "points"),
			intField(rec, "laps"),
			stringField(rec, "time"),
			intField(rec, "milliseconds"),
			intField(rec, "fastestLap"),
			intField(rec, "rank"),
			stringField(rec, "fastestLapTime"),
			floatField(rec, "fastestLapSpeed"),
			ingested,
			params.DataSource,
			params.FileDate,
		})
		return nil
	})
	if err != nil {
		return merge.Outcome{}, err
	}
	rs, err := newResultSet(ResultColumns, rows)
	if err != nil {
		return merge.Outcome{}, err
	}

	target, err := p.target(merge.LayerProcessed, ProcessedNamespace, "results")
	if err != nil {
		return merge.Outcome{}, err
	}
	out, err := p.coord.Apply(ctx, rs, target, ResultsMatch, "race_id")
	if err != nil {
		return out, err
	}
	logOutcome(logger, out, rs.Len())
	return out, nil
}
