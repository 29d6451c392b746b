// Package workbook writes an assembled cohort to a single-sheet .xlsx file.
package workbook

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/drfirst/go-medindex/internal/domain/medstate"
)

// SheetName is the name of the report sheet.
const SheetName = "Medication at Index"

// Config holds export configuration
type Config struct {
	SheetName   string
	Fills       map[medstate.Band]string // header fill per column band
	ColumnWidth float64
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		SheetName: SheetName,
		Fills: map[medstate.Band]string{
			medstate.BandPassthrough: "#DDEBF7",
			medstate.BandSummary:     "#FFF2CC",
			medstate.BandDetail:      "#E2EFDA",
		},
		ColumnWidth: 18,
	}
}

// Writer renders cohorts as workbooks.
type Writer struct {
	cfg    Config
	logger *zap.Logger
}

// NewWriter creates a workbook writer
func NewWriter(cfg Config, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SheetName == "" {
		cfg.SheetName = SheetName
	}
	return &Writer{cfg: cfg, logger: logger}
}

// Write streams the workbook to w.
func (wr *Writer) Write(w io.Writer, c *medstate.Cohort) error {
	f, err := wr.build(c)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// Save writes the workbook to path, which must end in .xlsx.
func (wr *Writer) Save(path string, c *medstate.Cohort) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create workbook: %w", err)
	}
	if err := wr.Write(out, c); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close workbook: %w", err)
	}
	wr.logger.Info("workbook saved",
		zap.String("path", path),
		zap.Int("rows", len(c.Rows)),
		zap.Int("columns", len(c.Columns)))
	return nil
}

// ValidatePath rejects output names without the .xlsx extension.
func ValidatePath(path string) error {
	if !strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return &medstate.ConfigError{Field: "output", Reason: fmt.Sprintf("%q is not an .xlsx file", path)}
	}
	return nil
}

func (wr *Writer) build(c *medstate.Cohort) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", wr.cfg.SheetName); err != nil {
		f.Close()
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	styles := make(map[medstate.Band]int, len(wr.cfg.Fills))
	for band, color := range wr.cfg.Fills {
		id, err := f.NewStyle(&excelize.Style{
			Font:      &excelize.Font{Bold: true},
			Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{color}},
			Alignment: &excelize.Alignment{WrapText: true, Vertical: "center"},
		})
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create %s header style: %w", band, err)
		}
		styles[band] = id
	}

	sw, err := f.NewStreamWriter(wr.cfg.SheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open stream writer: %w", err)
	}
	if n := len(c.Columns); n > 0 && wr.cfg.ColumnWidth > 0 {
		if err := sw.SetColWidth(1, n, wr.cfg.ColumnWidth); err != nil {
			f.Close()
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}

	header := make([]interface{}, len(c.Columns))
	for i, col := range c.Columns {
		header[i] = excelize.Cell{StyleID: styles[col.Band], Value: strings.ToUpper(col.Name)}
	}
	if err := sw.SetRow("A1", header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	for i, rec := range c.Records() {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			f.Close()
			return nil, err
		}
		row := make([]interface{}, len(rec))
		for j, v := range rec {
			row[j] = v
		}
		if err := sw.SetRow(cell, row); err != nil {
			f.Close()
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := sw.Flush(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush sheet: %w", err)
	}
	return f, nil
}
