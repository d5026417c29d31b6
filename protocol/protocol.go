// Package protocol implements the line protocol spoken by the freshness
// sensor firmware.
//
// The device streams one telemetry reading per line in either of two wire
// formats (a structured CSV line or a human-readable line meant for the
// Arduino serial monitor). Commands towards the device are short
// newline-terminated strings.
package protocol

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/CK6170/fruitell-go/models"
)

// Commands understood by the firmware. All are newline-terminated on the
// wire; WeightPrefix starts the trained-weights line built by
// BuildWeightLine.
const (
	CmdTrainOn   = "TRAIN:ON"
	CmdTrainOff  = "TRAIN:OFF"
	CmdStatus    = "R"
	WeightPrefix = "W:"

	CmdUploadBegin = "CSVTEST:BEGIN"
	CmdUploadEnd   = "CSVTEST:END"
	UploadReady    = "CSVTEST:READY"
)

// humanRe matches the monitor-oriented telemetry line, e.g.
// "Fresh= 82.1%  Conf= 93.0%  Echo= 1450.2 us  MAD= 12.4 us  F=1400 S=2600".
// Tokens must appear in this order; anything between them is ignored.
var humanRe = regexp.MustCompile(
	`(?i)Fresh\s*=\s*([\d.]+)%.*?` +
		`Conf\s*=\s*([\d.]+)%.*?` +
		`Echo\s*=\s*([\d.]+)\s*us.*?` +
		`MAD\s*=\s*([\d.]+)\s*us.*?` +
		`F\s*=\s*(\d+).*?` +
		`S\s*=\s*(\d+)`)

// lineParser is one wire-format handler. Handlers are tried in order and
// the first match wins; new formats are added by appending a handler.
type lineParser func(line string) (models.TelemetryRecord, bool)

var lineParsers = []lineParser{parseCSVLine, parseHumanLine}

// ParseDeviceLine decodes one device line into a telemetry record.
//
// ok is false when the line matches neither wire format. That is not an
// error: partial and garbled lines are expected noise on the serial link
// (especially around device resets) and callers simply skip them.
func ParseDeviceLine(line string) (models.TelemetryRecord, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return models.TelemetryRecord{}, false
	}
	for _, parse := range lineParsers {
		if rec, ok := parse(line); ok {
			return rec, true
		}
	}
	return models.TelemetryRecord{}, false
}

// parseCSVLine decodes the structured format:
//
//	ts_ms,echo_us,mad_us,fresh_pct,conf_pct,fresh_anchor,spoil_anchor
//
// At least seven fields are required; extras are ignored. The timestamp
// is parsed as a float then truncated, since the firmware may emit it
// with a fractional part.
func parseCSVLine(line string) (models.TelemetryRecord, bool) {
	parts := strings.Split(line, ",")
	if len(parts) < 7 {
		return models.TelemetryRecord{}, false
	}
	var vals [7]float64
	for i := range vals {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return models.TelemetryRecord{}, false
		}
		vals[i] = v
	}
	return models.TelemetryRecord{
		TimestampMS: int64(vals[0]),
		EchoUS:      vals[1],
		MADUS:       vals[2],
		FreshPct:    vals[3],
		ConfPct:     vals[4],
		FreshAnchor: vals[5],
		SpoilAnchor: vals[6],
	}, true
}

// parseHumanLine decodes the monitor format. The wire carries no
// timestamp, so the record is stamped with the local clock.
func parseHumanLine(line string) (models.TelemetryRecord, bool) {
	m := humanRe.FindStringSubmatch(line)
	if m == nil {
		return models.TelemetryRecord{}, false
	}
	var nums [6]float64
	for i, g := range m[1:] {
		v, err := strconv.ParseFloat(g, 64)
		if err != nil {
			return models.TelemetryRecord{}, false
		}
		nums[i] = v
	}
	return models.TelemetryRecord{
		TimestampMS: time.Now().UnixMilli(),
		FreshPct:    nums[0],
		ConfPct:     nums[1],
		EchoUS:      nums[2],
		MADUS:       nums[3],
		FreshAnchor: nums[4],
		SpoilAnchor: nums[5],
	}, true
}
