package pipeline

import (
	"context"
	"errors"

	"github.com/tidwall/gjson"

	"github.com/cantart/racemerge/dataset"
	"github.com/cantart/racemerge/merge"
)

// DriverColumns is the schema of f1_processed.drivers.
var DriverColumns = []dataset.Column{
	{Name: "driver_id", Type: dataset.Int},
	{Name: "driver_ref", Type: dataset.String},
	{Name: "number", Type: dataset.Int},
	{Name: "code", Type: dataset.String},
	{Name: "name", Type: dataset.String},
	{Name: "dob", Type: dataset.Date},
	{Name: "nationality", Type: dataset.String},
	{Name: "ingestion_date", Type: dataset.Timestamp},
	{Name: "data_source", Type: dataset.String},
	{Name: "file_date", Type: dataset.String},
}

// IngestDrivers loads drivers.json and replaces f1_processed.drivers with it.
func (p *Pipeline) IngestDrivers(ctx context.Context, params Params) (merge.Outcome, error) {
	if err := params.validate(); err != nil {
		return merge.Outcome{}, err
	}
	logger := p.runLogger("ingest_drivers", params)

	rc, err := p.openRaw(ctx, params, "drivers.json")
	if err != nil {
		return merge.Outcome{}, err
	}
	defer rc.Close()

	ingested := p.now().UTC()
	var rows [][]any
	err = eachLine(rc, func(_ int, rec gjson.Result) error {
		id := intField(rec, "driverId")
		if id == nil {
			return errors.New("driverId is required")
		}
		rows = append(rows, []any{
			id,
			stringField(rec, "driverRef"),
			intField(rec, "number"),
			stringField(rec, "code"),
			fullName(rec),
			dateField(rec, "dob"),
			stringField(rec, "nationality"),
			ingested,
			params.DataSource,
			params.FileDate,
		})
		return nil
	})
	if err != nil {
		return merge.Outcome{}, err
	}
	rs, err := newResultSet(DriverColumns, rows)
	if err != nil {
		return merge.Outcome{}, err
	}

	target, err := p.target(merge.LayerProcessed, ProcessedNamespace, "drivers")
	if err != nil {
		return merge.Outcome{}, err
	}
	out, err := p.coord.Overwrite(ctx, rs, target, "")
	if err != nil {
		return out, err
	}
	logOutcome(logger, out, rs.Len())
	return out, nil
}

// fullName is forename and surname joined by a space, nil when either is
// missing.
func fullName(rec gjson.Result) any {
	forename := rec.Get("name.forename")
	surname := rec.Get("name.surname")
	if missing(forename) || missing(surname) {
		return nil
	}
	return forename.String() + " " + surname.String()
}
