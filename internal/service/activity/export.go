package activity

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"time"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	"github.com/davidleathers/workspace-activity/internal/domain/errors"
)

// ExportFormat selects the export encoding
type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportJSON ExportFormat = "json"
)

// ContentType returns the MIME type of the format
func (f ExportFormat) ContentType() string {
	if f == ExportJSON {
		return "application/json"
	}
	return "text/csv; charset=utf-8"
}

// CSVHeader is the header row of a CSV export
var CSVHeader = []string{
	"Date", "Time", "Event Type", "Entity Type", "Actor", "Description", "Workspace", "Severity",
}

// Exporter is implemented by every export encoding
type Exporter interface {
	Write(events []*activity.Event, names Names) error
}

// CSVExporter writes one row per event. Fields containing quotes, commas or
// newlines are quoted with inner quotes doubled.
type CSVExporter struct {
	writer *csv.Writer
	loc    *time.Location
}

// NewCSVExporter creates a CSV exporter rendering dates in loc
func NewCSVExporter(w io.Writer, loc *time.Location) *CSVExporter {
	if loc == nil {
		loc = time.UTC
	}
	return &CSVExporter{writer: csv.NewWriter(w), loc: loc}
}

func (e *CSVExporter) Write(events []*activity.Event, names Names) error {
	if err := e.writer.Write(CSVHeader); err != nil {
		return err
	}

	for _, ev := range events {
		ts := ev.CreatedAt.In(e.loc)
		record := []string{
			ts.Format("2006-01-02"),
			ts.Format("15:04:05"),
			string(ev.EventType),
			string(ev.EntityType),
			names.Actor(ev),
			ev.Description,
			names.Workspace(ev),
			string(ev.Severity),
		}
		if err := e.writer.Write(record); err != nil {
			return err
		}
	}

	e.writer.Flush()
	return e.writer.Error()
}

// JSONExporter writes the full-fidelity event records
type JSONExporter struct {
	encoder *json.Encoder
}

// NewJSONExporter creates a JSON exporter
func NewJSONExporter(w io.Writer) *JSONExporter {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return &JSONExporter{encoder: enc}
}

type jsonExport struct {
	ExportedAt time.Time         `json:"exported_at"`
	Count      int               `json:"count"`
	Events     []*activity.Event `json:"events"`
}

func (e *JSONExporter) Write(events []*activity.Event, _ Names) error {
	if events == nil {
		events = []*activity.Event{}
	}
	return e.encoder.Encode(jsonExport{
		ExportedAt: time.Now().UTC(),
		Count:      len(events),
		Events:     events,
	})
}

// ExportRequest is a search plus an output format
type ExportRequest struct {
	SearchRequest
	Format ExportFormat
}

// Export writes the filtered, sorted result set to w and returns the number
// of events exported
func (s *QueryService) Export(ctx context.Context, req ExportRequest, w io.Writer) (int, error) {
	var exporter Exporter
	switch req.Format {
	case ExportCSV, "":
		exporter = NewCSVExporter(w, s.loc)
	case ExportJSON:
		exporter = NewJSONExporter(w)
	default:
		return 0, errors.NewValidationError("INVALID_FORMAT", "export format must be csv or json")
	}

	events, names, err := s.Search(ctx, req.SearchRequest)
	if err != nil {
		return 0, err
	}

	if err := exporter.Write(events, names); err != nil {
		return 0, errors.NewInternalError("failed to write export").WithCause(err)
	}
	return len(events), nil
}
