package models

import "strconv"

// Defaults applied when the config JSON or a stored row leaves a value unset.
const (
	DefaultBaudRate    = 115200
	DefaultMinConf     = 60.0
	DefaultDataPath    = "fruitell_data.csv"
	DefaultFreshAnchor = 1400.0
	DefaultSpoilAnchor = 2600.0
)

// Enums
type Label int

const (
	SPOILED Label = iota
	FRESH
)

func (l Label) String() string {
	switch l {
	case SPOILED:
		return "SPOILED"
	case FRESH:
		return "FRESH"
	default:
		return "Label(" + strconv.Itoa(int(l)) + ")"
	}
}

// Data models
type PARAMETERS struct {
	SERIAL  *SERIAL `json:"SERIAL"`
	MINCONF float64 `json:"MINCONF,omitempty"`
	DATA    string  `json:"DATA,omitempty"`
	DEBUG   bool    `json:"DEBUG"`
}

type SERIAL struct {
	PORT     string `json:"PORT"`
	BAUDRATE int    `json:"BAUDRATE"`
}

// TelemetryRecord is one decoded telemetry line from the sensor.
//
// TimestampMS comes from the wire in the CSV format and from the local
// clock in the human-readable format. Anchors are the device's current
// fresh/spoil echo references in microseconds.
type TelemetryRecord struct {
	TimestampMS int64   `json:"ts_ms"`
	EchoUS      float64 `json:"echo_us"`
	MADUS       float64 `json:"mad_us"`
	FreshPct    float64 `json:"fresh_pct"`
	ConfPct     float64 `json:"conf_pct"`
	FreshAnchor float64 `json:"fresh_anchor"`
	SpoilAnchor float64 `json:"spoil_anchor"`
}

// Sample is one labeled training point as persisted in the CSV store.
type Sample struct {
	EchoUS      float64 `json:"echo_us"`
	Label       Label   `json:"label"`
	FreshAnchor float64 `json:"fresh_anchor"`
	SpoilAnchor float64 `json:"spoil_anchor"`
}
