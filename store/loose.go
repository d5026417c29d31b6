package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/CK6170/fruitell-go/models"
)

// looseAliases maps each canonical column to the header spellings seen in
// operator-exported spreadsheets.
var looseAliases = map[string][]string{
	"echo_us":      {"echo_us", "echo", "med_us", "median_us"},
	"label":        {"label", "class", "y"},
	"fresh_anchor": {"fresh_anchor", "fresh", "fresh_us", "f_anchor"},
	"spoil_anchor": {"spoil_anchor", "spoil", "spoil_us", "s_anchor"},
}

// LoadLoose reads a calibration CSV for bulk device programming.
//
// Unlike Load it accepts alias headers, headerless all-numeric files and
// silently skips rows it cannot parse. Values are truncated to integers
// because the upload protocol sends whole microseconds. A header that
// cannot be resolved to all four columns is an error; everything else
// degrades to fewer rows.
func LoadLoose(path string) ([]models.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	samples, err := ParseLoose(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return samples, nil
}

// ParseLoose applies the LoadLoose rules to an in-memory CSV stream,
// for callers that receive sample files over the network instead of
// from disk.
func ParseLoose(src io.Reader) ([]models.Sample, error) {
	r := csv.NewReader(src)
	r.FieldsPerRecord = -1
	first, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cols := [4]int{0, 1, 2, 3}
	hasHeader := false
	for _, c := range first {
		if _, err := strconv.ParseFloat(strings.TrimSpace(c), 64); err != nil {
			hasHeader = true
			break
		}
	}
	if hasHeader {
		resolved, err := resolveLooseHeader(first)
		if err != nil {
			return nil, err
		}
		cols = resolved
	}

	var samples []models.Sample
	addRow := func(rec []string) {
		if len(rec) < 4 {
			return
		}
		var vals [4]int
		for i, col := range cols {
			if col >= len(rec) {
				return
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[col]), 64)
			if err != nil {
				return
			}
			vals[i] = int(v)
		}
		samples = append(samples, models.Sample{
			EchoUS:      float64(vals[0]),
			Label:       models.Label(vals[1]),
			FreshAnchor: float64(vals[2]),
			SpoilAnchor: float64(vals[3]),
		})
	}

	if !hasHeader {
		addRow(first)
	}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}
		addRow(rec)
	}
	return samples, nil
}

func resolveLooseHeader(first []string) ([4]int, error) {
	idx := map[string]int{}
	for i, cell := range first {
		name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(cell)), " ", "_")
		for canonical, aliases := range looseAliases {
			if _, done := idx[canonical]; done {
				continue
			}
			for _, a := range aliases {
				if name == a {
					idx[canonical] = i
					break
				}
			}
		}
	}
	for _, k := range []string{"echo_us", "label", "fresh_anchor", "spoil_anchor"} {
		if _, ok := idx[k]; !ok {
			return [4]int{}, fmt.Errorf("unusable header: no %s column", k)
		}
	}
	return [4]int{idx["echo_us"], idx["label"], idx["fresh_anchor"], idx["spoil_anchor"]}, nil
}
