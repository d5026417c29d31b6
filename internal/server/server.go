// Package server exposes the trainer over HTTP and WebSocket for the
// browser monitor UI: config and sample uploads, device connection,
// remote capture with labeling, and training.
package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/CK6170/fruitell-go/models"
	serialpkg "github.com/CK6170/fruitell-go/serial"
	storepkg "github.com/CK6170/fruitell-go/store"
)

// listPorts is a test seam like openPort; enumeration needs real USB
// hardware.
var listPorts = serialpkg.ListPorts

type Server struct {
	mux *http.ServeMux

	store *ConfigStore
	dev   *DeviceSession

	wsTelemetry *WSHub
}

// New builds the server. webDir is the static frontend root served at /.
func New(webDir string) *Server {
	s := &Server{
		mux:         http.NewServeMux(),
		store:       NewConfigStore(),
		dev:         &DeviceSession{},
		wsTelemetry: NewWSHub(),
	}

	// API
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/ports", s.handlePorts)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/config", s.handleActiveConfig)
	s.mux.HandleFunc("/api/upload/config", s.handleUploadConfig)
	s.mux.HandleFunc("/api/upload/data", s.handleUploadData)
	s.mux.HandleFunc("/api/download", s.handleDownload)
	s.mux.HandleFunc("/api/connect", s.handleConnect)
	s.mux.HandleFunc("/api/disconnect", s.handleDisconnect)

	s.mux.HandleFunc("/api/capture/start", s.handleCaptureStart)
	s.mux.HandleFunc("/api/capture/label", s.handleCaptureLabel)
	s.mux.HandleFunc("/api/capture/stop", s.handleStopOp)

	s.mux.HandleFunc("/api/test/start", s.handleTestStart)
	s.mux.HandleFunc("/api/test/stop", s.handleStopOp)
	s.mux.HandleFunc("/api/program/start", s.handleProgramStart)
	s.mux.HandleFunc("/api/program/stop", s.handleStopOp)

	s.mux.HandleFunc("/api/train", s.handleTrain)

	// WS
	s.mux.HandleFunc("/ws/telemetry", s.handleWSTelemetry)

	// Static frontend
	s.mux.Handle("/", http.FileServer(http.Dir(webDir)))

	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, 200, HealthResponse{OK: true, Timestamp: time.Now()})
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	details, err := listPorts()
	if err != nil {
		s.writeJSON(w, 500, APIError{Error: err.Error()})
		return
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:    d.Name,
			IsUSB:   d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Product: d.Product,
		})
	}
	s.writeJSON(w, 200, ports)
}

func (s *Server) handleUploadConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	raw, ok := s.rawFromUpload(w, r)
	if !ok {
		return
	}
	p, err := decodeParameters(raw)
	if err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	rec, err := s.store.Put(kindConfig, raw, p, nil)
	if err != nil {
		s.writeJSON(w, 500, APIError{Error: err.Error()})
		return
	}
	s.writeJSON(w, 200, UploadResponse{ID: rec.ID, Kind: string(rec.Kind)})
}

func (s *Server) handleUploadData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	raw, ok := s.rawFromUpload(w, r)
	if !ok {
		return
	}
	samples, err := storepkg.ParseLoose(bytes.NewReader(raw))
	if err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	rec, err := s.store.Put(kindData, raw, nil, samples)
	if err != nil {
		s.writeJSON(w, 500, APIError{Error: err.Error()})
		return
	}
	s.writeJSON(w, 200, UploadResponse{ID: rec.ID, Kind: string(rec.Kind), Rows: len(samples)})
}

func (s *Server) rawFromUpload(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	f, _, err := fileFromMultipart(r, "file")
	if err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return nil, false
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, 4<<20))
	if err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return nil, false
	}
	return raw, true
}

func fileFromMultipart(r *http.Request, field string) (multipart.File, *multipart.FileHeader, error) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		return nil, nil, err
	}
	f, hdr, err := r.FormFile(field)
	if err != nil {
		return nil, nil, err
	}
	return f, hdr, nil
}

func decodeParameters(raw []byte) (*models.PARAMETERS, error) {
	var p models.PARAMETERS
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.SERIAL == nil {
		return nil, fmt.Errorf("missing SERIAL in JSON")
	}
	if p.SERIAL.BAUDRATE <= 0 {
		p.SERIAL.BAUDRATE = models.DefaultBaudRate
	}
	if p.MINCONF <= 0 {
		p.MINCONF = models.DefaultMinConf
	}
	if strings.TrimSpace(p.DATA) == "" {
		p.DATA = models.DefaultDataPath
	}
	return &p, nil
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		s.writeJSON(w, 400, APIError{Error: "missing id"})
		return
	}
	rec, ok := s.store.Get(id)
	if !ok {
		s.writeJSON(w, 404, APIError{Error: "not found"})
		return
	}
	name, ctype := "config.json", "application/json"
	if rec.Kind == kindData {
		name, ctype = "data.csv", "text/csv"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(200)
	_, _ = w.Write(rec.Raw)
}
