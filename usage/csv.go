package usage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// CSVHeader is the fixed column order of an export.
var CSVHeader = []string{
	"timestamp", "session_id", "character_name", "model_name", "provider_label",
	"operation_type", "prompt_tokens", "completion_tokens", "total_tokens",
	"total_cost", "success", "error_message",
}

// CSVTimeLayout is RFC 3339 with milliseconds, always in UTC.
const CSVTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// ExportCSV writes the records matching f to w.
func (r *Repository) ExportCSV(ctx context.Context, w io.Writer, f Filter) (int, error) {
	records, err := r.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	if err := WriteCSV(w, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// WriteCSV writes records with CSVHeader. Missing numbers are written as 0.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, rec := range records {
		cost := 0.0
		if rec.Cost != nil {
			cost = rec.Cost.TotalCost
		}
		success := "no"
		if rec.Success {
			success = "yes"
		}
		row := []string{
			rec.Timestamp.UTC().Format(CSVTimeLayout),
			rec.SessionID,
			rec.CharacterName,
			rec.ModelName,
			rec.ProviderLabel,
			string(rec.OperationType),
			formatCount(rec.PromptTokens),
			formatCount(rec.CompletionTokens),
			formatCount(rec.TotalTokens),
			strconv.FormatFloat(cost, 'f', -1, 64),
			success,
			rec.ErrorMessage,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses an export produced by WriteCSV.
func ReadCSV(rd io.Reader) ([]Record, error) {
	cr := csv.NewReader(rd)
	cr.FieldsPerRecord = len(CSVHeader)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i, col := range CSVHeader {
		if header[i] != col {
			return nil, fmt.Errorf("unexpected csv column %d: %q", i, header[i])
		}
	}

	var records []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		rec, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("parse csv line %d: %w", line, err)
		}
		records = append(records, rec)
	}
}

func parseRow(row []string) (Record, error) {
	ts, err := time.Parse(CSVTimeLayout, row[0])
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Timestamp:     ts.UTC(),
		SessionID:     row[1],
		CharacterName: row[2],
		ModelName:     row[3],
		ProviderLabel: row[4],
		OperationType: OperationType(row[5]),
		Success:       row[10] == "yes",
		ErrorMessage:  row[11],
	}
	counts := []**int64{&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens}
	for i, dst := range counts {
		n, err := strconv.ParseInt(row[6+i], 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("column %s: %w", CSVHeader[6+i], err)
		}
		*dst = &n
	}
	cost, err := strconv.ParseFloat(row[9], 64)
	if err != nil {
		return Record{}, fmt.Errorf("column total_cost: %w", err)
	}
	rec.Cost = &Cost{TotalCost: cost}
	return rec, nil
}

func formatCount(v *int64) string {
	if v == nil {
		return "0"
	}
	return strconv.FormatInt(*v, 10)
}
