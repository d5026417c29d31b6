// Package store persists labeled calibration samples as flat CSV files.
//
// Two readers exist on purpose: Load is strict, for files this tool wrote
// itself (a corrupt row there is fatal, silently skipping it would bias
// the fit), while LoadLoose accepts the looser files operators export
// from spreadsheets for bulk device programming.
package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/CK6170/fruitell-go/models"
)

// Header columns written by Save and required (minus the anchors) by Load.
var header = []string{"echo_us", "label", "fresh_anchor", "spoil_anchor"}

// ParseError reports a corrupt row in a calibration file.
type ParseError struct {
	Path string
	Row  int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: row %d: %v", e.Path, e.Row, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Save writes samples to path in file order, creating parent directories
// as needed. Floats are written at three decimals.
func Save(path string, samples []models.Sample) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, s := range samples {
		row := []string{
			strconv.FormatFloat(s.EchoUS, 'f', 3, 64),
			strconv.Itoa(int(s.Label)),
			strconv.FormatFloat(s.FreshAnchor, 'f', 3, 64),
			strconv.FormatFloat(s.SpoilAnchor, 'f', 3, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

// Load reads samples in file order.
//
// echo_us and label columns are required. The anchor columns may be
// absent from old captures, in which case the firmware defaults are
// assumed. Any malformed value makes the whole load fail with a
// *ParseError naming the row.
func Load(path string) ([]models.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	head, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	echoCol, ok := colIndex(head, "echo_us")
	if !ok {
		return nil, fmt.Errorf("%s: missing echo_us column", path)
	}
	labelCol, ok := colIndex(head, "label")
	if !ok {
		return nil, fmt.Errorf("%s: missing label column", path)
	}
	faCol, hasFA := colIndex(head, "fresh_anchor")
	saCol, hasSA := colIndex(head, "spoil_anchor")

	var samples []models.Sample
	row := 1
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil {
			return nil, &ParseError{Path: path, Row: row, Err: err}
		}

		echoUS, err := parseField(rec, echoCol, "echo_us")
		if err != nil {
			return nil, &ParseError{Path: path, Row: row, Err: err}
		}
		labelRaw := strings.TrimSpace(rec[labelCol])
		label, err := strconv.Atoi(labelRaw)
		if err != nil {
			return nil, &ParseError{Path: path, Row: row, Err: fmt.Errorf("bad label %q", labelRaw)}
		}

		fa := models.DefaultFreshAnchor
		if hasFA {
			if fa, err = parseField(rec, faCol, "fresh_anchor"); err != nil {
				return nil, &ParseError{Path: path, Row: row, Err: err}
			}
		}
		sa := models.DefaultSpoilAnchor
		if hasSA {
			if sa, err = parseField(rec, saCol, "spoil_anchor"); err != nil {
				return nil, &ParseError{Path: path, Row: row, Err: err}
			}
		}

		samples = append(samples, models.Sample{
			EchoUS:      echoUS,
			Label:       models.Label(label),
			FreshAnchor: fa,
			SpoilAnchor: sa,
		})
	}
	return samples, nil
}

func colIndex(head []string, name string) (int, bool) {
	for i, h := range head {
		if strings.TrimSpace(h) == name {
			return i, true
		}
	}
	return 0, false
}

func parseField(rec []string, col int, name string) (float64, error) {
	raw := strings.TrimSpace(rec[col])
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", name, raw)
	}
	return v, nil
}
