// Package export serializes ordered records for files and stdout.
package export

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"cbbstats/internal/record"
)

// Format is an output encoding.
type Format string

const (
	CSV  Format = "csv"
	JSON Format = "json"
)

// ParseFormat accepts "csv" or "json", case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case CSV, JSON:
		return f, nil
	default:
		return "", fmt.Errorf("export: unknown format %q (want csv or json)", s)
	}
}

// Write encodes records in format f.
func Write(w io.Writer, f Format, records []record.Record) error {
	switch f {
	case CSV:
		return WriteCSV(w, records)
	case JSON:
		return WriteJSON(w, records)
	default:
		return fmt.Errorf("export: unknown format %q", f)
	}
}

// WriteCSV writes a header of every field seen (first-appearance order)
// followed by one line per record. Fields a record lacks are empty cells.
// No records means no output at all.
func WriteCSV(w io.Writer, records []record.Record) error {
	cols := record.Columns(records)
	if len(cols) == 0 {
		return nil
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return fmt.Errorf("export csv: header: %w", err)
	}
	line := make([]string, len(cols))
	for i, r := range records {
		for j, c := range cols {
			line[j], _ = r.Get(c)
		}
		if err := cw.Write(line); err != nil {
			return fmt.Errorf("export csv: row %d: %w", i, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export csv: %w", err)
	}
	return nil
}

// WriteJSON writes a JSON array of objects whose keys keep each record's field
// order, one object per line. encoding/json would sort map keys.
func WriteJSON(w io.Writer, records []record.Record) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("[")
	for i, r := range records {
		if i > 0 {
			bw.WriteString(",")
		}
		bw.WriteString("\n")
		if err := writeObject(bw, r); err != nil {
			return fmt.Errorf("export json: record %d: %w", i, err)
		}
	}
	if len(records) > 0 {
		bw.WriteString("\n")
	}
	bw.WriteString("]\n")
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("export json: %w", err)
	}
	return nil
}

func writeObject(bw *bufio.Writer, r record.Record) error {
	bw.WriteString("{")
	for i, k := range r.Keys() {
		if i > 0 {
			bw.WriteString(",")
		}
		v, _ := r.Get(k)
		if err := writeJSONString(bw, k); err != nil {
			return err
		}
		bw.WriteString(":")
		if err := writeJSONString(bw, v); err != nil {
			return err
		}
	}
	bw.WriteString("}")
	return nil
}

func writeJSONString(bw *bufio.Writer, s string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	_, err := bw.Write(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return err
}
