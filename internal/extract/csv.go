package extract

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Well-known extract names. LoadDir looks for "<name>.csv".
const (
	Prescriptions = "prescriptions"
	Demographics  = "demographics"
	Diagnosis     = "diagnosis"
	Encounters    = "encounters"
	Procedures    = "procedures"
	Biosamples    = "biosamples"
	Omics         = "omics"
	ExternalIndex = "external_index"
)

// Names lists every extract LoadDir understands.
var Names = []string{
	Prescriptions, Demographics, Diagnosis, Encounters,
	Procedures, Biosamples, Omics, ExternalIndex,
}

// Decode converts extract bytes to UTF-8. Byte-order marks select UTF-8 or UTF-16;
// anything else that is not valid UTF-8 is read as Windows-1252, the usual export
// encoding of the clinical-form tools.
func Decode(data []byte) ([]byte, string, error) {
	if len(data) == 0 {
		return data, "utf-8", nil
	}

	if bytes.HasPrefix(data, []byte{0xFF, 0xFE}) || bytes.HasPrefix(data, []byte{0xFE, 0xFF}) ||
		bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) {
		dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
		out, _, err := transform.Bytes(dec, data)
		if err != nil {
			return nil, "", fmt.Errorf("decode byte-order-marked extract: %w", err)
		}
		return out, "bom", nil
	}

	if utf8.Valid(data) {
		return data, "utf-8", nil
	}

	out, _, err := transform.Bytes(charmap.Windows1252.NewDecoder(), data)
	if err != nil {
		return nil, "", fmt.Errorf("decode windows-1252 extract: %w", err)
	}
	return out, "windows-1252", nil
}

// ReadCSV parses a CSV extract. Ragged rows are padded or truncated to the header
// width and reported as warnings; blank rows are skipped.
func ReadCSV(name string, r io.Reader) (*Table, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	decoded, _, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	reader := csv.NewReader(bytes.NewReader(decoded))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty extract, no header row", name)
		}
		return nil, fmt.Errorf("%s: read header: %w", name, err)
	}

	width := len(header)
	var rows [][]string
	var warnings []Warning
	line := 1

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			warnings = append(warnings, Warning{Table: name, Row: line, Message: fmt.Sprintf("parse error: %v", err)})
			continue
		}
		if blank(row) {
			continue
		}
		switch {
		case len(row) < width:
			warnings = append(warnings, Warning{Table: name, Row: line,
				Message: fmt.Sprintf("row has %d columns, expected %d; padded", len(row), width)})
		case len(row) > width:
			warnings = append(warnings, Warning{Table: name, Row: line,
				Message: fmt.Sprintf("row has %d columns, expected %d; truncated", len(row), width)})
			row = row[:width]
		}
		rows = append(rows, row)
	}

	t := NewTable(name, header, rows)
	t.Warnings = warnings
	return t, nil
}

// ReadCSVFile opens and parses one extract file.
func ReadCSVFile(name, path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(name, f)
}

// Set holds the extracts available to one build. Absent extracts are nil.
type Set map[string]*Table

// Get returns the named extract or nil.
func (s Set) Get(name string) *Table {
	if s == nil {
		return nil
	}
	return s[name]
}

// LoadDir reads every well-known extract present in dir. Missing files are not an
// error here; the engine decides which extracts a strategy requires.
func LoadDir(dir string) (Set, error) {
	set := make(Set)
	for _, name := range Names {
		path := filepath.Join(dir, name+".csv")
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		t, err := ReadCSVFile(name, path)
		if err != nil {
			return nil, err
		}
		set[name] = t
	}
	return set, nil
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
