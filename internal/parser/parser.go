package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"turbine-health-monitor/internal/models"
)

// Status codes with a defined meaning in the SCADA feed.
const (
	StatusFault       = 2 // turbine not available
	StatusMaintenance = 3 // scheduled maintenance
)

// Parser handles parsing of SCADA export files
type Parser struct {
	format  string
	seq     int64
	skipped int
}

// NewParser creates a new parser for csv, json or ndjson input
func NewParser(format string) *Parser {
	return &Parser{format: format}
}

// Skipped returns the number of records dropped as unparseable so far
func (p *Parser) Skipped() int { return p.skipped }

// ParseFile parses a SCADA data file
func (p *Parser) ParseFile(filename string) ([]models.Reading, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()
	return p.Parse(file)
}

// Parse reads readings from r. Readings get increasing Seq values in input
// order across calls on the same Parser.
func (p *Parser) Parse(r io.Reader) ([]models.Reading, error) {
	switch strings.ToLower(p.format) {
	case "csv", "":
		return p.parseCSV(r)
	case "json":
		return p.parseJSON(r)
	case "ndjson", "jsonl":
		return p.parseJSONLines(r)
	default:
		return nil, fmt.Errorf("unsupported format: %s", p.format)
	}
}

// FormatFromPath guesses the format from a file extension
func FormatFromPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".json"):
		return "json"
	case strings.HasSuffix(path, ".ndjson"), strings.HasSuffix(path, ".jsonl"):
		return "ndjson"
	default:
		return "csv"
	}
}

// parseCSV parses CSV formatted SCADA data
func (p *Parser) parseCSV(r io.Reader) ([]models.Reading, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	indices := make(map[string]int)
	for i, h := range header {
		indices[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range []string{"timestamp", "turbine_id"} {
		if _, ok := indices[col]; !ok {
			return nil, fmt.Errorf("missing required column %q", col)
		}
	}

	var results []models.Reading
	lineNum := 1

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		lineNum++
		if err != nil {
			return results, fmt.Errorf("error at line %d: %w", lineNum, err)
		}

		get := func(key string) (string, bool) {
			idx, ok := indices[key]
			if !ok || idx >= len(record) {
				return "", false
			}
			return strings.TrimSpace(record[idx]), true
		}

		reading, err := p.toReading(get)
		if err != nil {
			p.skip("csv", lineNum, err)
			continue
		}
		results = append(results, reading)
	}

	return results, nil
}

// parseJSON parses a JSON array, falling back to newline-delimited JSON
func (p *Parser) parseJSON(r io.Reader) ([]models.Reading, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return p.parseJSONLines(bytes.NewReader(data))
	}

	var raw []map[string]any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON array: %w", err)
	}

	results := make([]models.Reading, 0, len(raw))
	for i, obj := range raw {
		reading, err := p.toReading(objectGetter(obj))
		if err != nil {
			p.skip("json", i+1, err)
			continue
		}
		results = append(results, reading)
	}
	return results, nil
}

// parseJSONLines parses newline-delimited JSON
func (p *Parser) parseJSONLines(r io.Reader) ([]models.Reading, error) {
	var results []models.Reading
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "[" || line == "]" {
			continue
		}
		line = strings.TrimSuffix(line, ",")

		var obj map[string]any
		dec := json.NewDecoder(strings.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&obj); err != nil {
			p.skip("ndjson", lineNum, err)
			continue
		}
		reading, err := p.toReading(objectGetter(obj))
		if err != nil {
			p.skip("ndjson", lineNum, err)
			continue
		}
		results = append(results, reading)
	}

	return results, scanner.Err()
}

func (p *Parser) skip(format string, line int, err error) {
	p.skipped++
	slog.Warn("parser: skipping record", "format", format, "line", line, "err", err)
}

// objectGetter exposes a decoded JSON object as strings so CSV and JSON share
// one conversion path.
func objectGetter(obj map[string]any) func(string) (string, bool) {
	lower := make(map[string]any, len(obj))
	for k, v := range obj {
		lower[strings.ToLower(k)] = v
	}
	return func(key string) (string, bool) {
		v, ok := lower[key]
		if !ok {
			return "", false
		}
		switch t := v.(type) {
		case nil:
			return "", true
		case string:
			return strings.TrimSpace(t), true
		case json.Number:
			return t.String(), true
		case bool:
			return strconv.FormatBool(t), true
		default:
			return fmt.Sprint(t), true
		}
	}
}

// unreadable logs a cell that could not be parsed. The cell is treated as
// absent and the rest of the record is kept.
func unreadable(r *models.Reading, column string, err error) {
	slog.Warn("parser: unreadable value", "turbine_id", r.TurbineID,
		"timestamp", r.Timestamp, "column", column, "err", err)
}

// toReading converts one record to a Reading. Only a missing turbine id or an
// unusable timestamp rejects the record; an unreadable sensor value is nulled
// and flagged invalid.
func (p *Parser) toReading(get func(string) (string, bool)) (models.Reading, error) {
	var r models.Reading

	r.TurbineID, _ = get("turbine_id")
	if r.TurbineID == "" {
		return r, fmt.Errorf("missing turbine_id")
	}

	tsStr, _ := get("timestamp")
	if tsStr == "" {
		return r, fmt.Errorf("missing timestamp")
	}
	ts, err := parseTimestamp(tsStr)
	if err != nil {
		return r, fmt.Errorf("invalid timestamp: %w", err)
	}
	r.Timestamp = ts

	for _, f := range models.SensorFields {
		s, _ := get(f.String())
		v, err := ParseNullableFloat(s)
		if err != nil {
			unreadable(&r, f.String(), err)
			r.Quality.Invalid = r.Quality.Invalid.Add(f)
			continue
		}
		if v != nil {
			r.Set(f, *v)
		}
	}

	if s, _ := get("grid_event"); !isNull(s) {
		r.GridEvent = s
	}

	statusKnown := false
	if s, _ := get("status_code"); !isNull(s) {
		if code, err := strconv.ParseFloat(s, 64); err != nil {
			unreadable(&r, "status_code", err)
		} else {
			r.StatusCode = int(code)
			statusKnown = true
		}
	}

	if s, _ := get("available"); !isNull(s) {
		if b, err := parseBool(s); err != nil {
			unreadable(&r, "available", err)
		} else {
			r.Available = models.Bool(b)
		}
	}
	if s, _ := get("maintenance"); !isNull(s) {
		if b, err := parseBool(s); err != nil {
			unreadable(&r, "maintenance", err)
		} else {
			r.Maintenance = b
		}
	}

	if statusKnown {
		if r.Available == nil {
			r.Available = models.Bool(r.StatusCode != StatusFault)
		}
		if r.StatusCode == StatusMaintenance {
			r.Maintenance = true
		}
	}

	p.seq++
	r.Seq = p.seq
	return r, nil
}

func isNull(s string) bool {
	switch strings.ToLower(s) {
	case "", "na", "n/a", "nan", "null", "none":
		return true
	}
	return false
}

// ParseNullableFloat parses a sensor value. Empty cells and NA markers are
// nil; NaN is nil as well.
func ParseNullableFloat(s string) (*float64, error) {
	if isNull(s) {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(v) {
		return nil, nil
	}
	return &v, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "t", "yes", "y":
		return true, nil
	case "0", "false", "f", "no", "n":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

// parseTimestamp tries multiple timestamp formats and returns UTC
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006/01/02 15:04:05",
		"01/02/2006 15:04:05",
		"2006-01-02",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}

	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// ValidateReading checks the structural fields an API client must send.
// Physical plausibility is left to the normalizer.
func ValidateReading(r *models.Reading) []string {
	var errs []string

	if strings.TrimSpace(r.TurbineID) == "" {
		errs = append(errs, "turbine_id is required")
	}
	if r.Timestamp.IsZero() {
		errs = append(errs, "timestamp is required")
	}
	if r.StatusCode < 0 {
		errs = append(errs, "status_code cannot be negative")
	}
	for _, f := range models.SensorFields {
		if v, ok := r.Get(f); ok && (math.IsInf(v, 0) || math.IsNaN(v)) {
			errs = append(errs, f.String()+" must be finite")
		}
	}

	return errs
}
