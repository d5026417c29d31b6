package server

import "time"

type APIError struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	OK        bool      `json:"ok"`
	Timestamp time.Time `json:"timestamp"`
}

type UploadResponse struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	// Rows is the parsed sample count for data uploads.
	Rows int `json:"rows,omitempty"`
}

type PortInfo struct {
	Name    string `json:"name"`
	IsUSB   bool   `json:"isUsb"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Product string `json:"product,omitempty"`
}

type StatusResponse struct {
	Connected bool   `json:"connected"`
	Port      string `json:"port,omitempty"`
	Baud      int    `json:"baud,omitempty"`
	ConfigID  string `json:"configId,omitempty"`
	// Busy means a capture, test or program run holds the device.
	Busy bool `json:"busy"`
	// LastRows is the sample count from the last capture run.
	LastRows int `json:"lastRows"`
}

type ConnectRequest struct {
	ConfigID string `json:"configId"`
}

type ConnectResponse struct {
	Connected bool   `json:"connected"`
	Port      string `json:"port"`
	Baud      int    `json:"baud"`
}

type CaptureStartRequest struct {
	// MinConf overrides the config's confidence gate for this run.
	MinConf *float64 `json:"minConf,omitempty"`
}

type LabelRequest struct {
	Key string `json:"key"`
}

type TestStartRequest struct {
	// Anchor overrides for the scaled-echo fallback.
	FreshAnchor *float64 `json:"freshAnchor,omitempty"`
	SpoilAnchor *float64 `json:"spoilAnchor,omitempty"`
}

type ProgramStartRequest struct {
	// DataID names an uploaded CSV to send instead of the last capture.
	DataID string `json:"dataId,omitempty"`
	// WaitSeconds overrides the report collection window, like the CLI's
	// -wait flag. Zero keeps the default.
	WaitSeconds float64 `json:"waitSeconds,omitempty"`
}

type TrainRequest struct {
	// DataID names an uploaded CSV to fit instead of the last capture.
	DataID string `json:"dataId,omitempty"`
	// Push sends the fitted weight line to the connected device.
	Push bool `json:"push,omitempty"`
}

type TrainResponse struct {
	Rows        int     `json:"rows"`
	FreshAnchor float64 `json:"freshAnchor"`
	SpoilAnchor float64 `json:"spoilAnchor"`
	Weight      float64 `json:"weight"`
	Bias        float64 `json:"bias"`
	Accuracy    float64 `json:"accuracy"`
	WeightLine  string  `json:"weightLine"`
	Pushed      bool    `json:"pushed"`
}
