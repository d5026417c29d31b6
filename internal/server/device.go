package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/CK6170/fruitell-go/capture"
	"github.com/CK6170/fruitell-go/models"
	"github.com/CK6170/fruitell-go/protocol"
	serialpkg "github.com/CK6170/fruitell-go/serial"
	storepkg "github.com/CK6170/fruitell-go/store"
	"github.com/CK6170/fruitell-go/train"
)

// serialDevice is what the server needs from an open port. Tests swap
// openPort for a scripted double.
type serialDevice interface {
	capture.Device
	Name() string
	Close() error
}

var openPort = func(port string, baud int) (serialDevice, error) {
	dev, err := serialpkg.Open(port, baud)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// DeviceSession is the one live device connection plus whatever
// operation currently runs on it.
type DeviceSession struct {
	mu sync.Mutex

	configID string
	params   *models.PARAMETERS
	port     serialDevice

	// one active operation at a time
	opCancel context.CancelFunc
	keys     chan rune

	lastSamples []models.Sample
}

func (d *DeviceSession) cancelLocked() {
	if d.opCancel != nil {
		d.opCancel()
		d.opCancel = nil
		d.keys = nil
	}
}

func (d *DeviceSession) disconnectLocked() {
	if d.port != nil {
		_ = d.port.Close()
	}
	d.port = nil
	d.params = nil
	d.configID = ""
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req ConnectRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	rec, ok := s.store.Get(req.ConfigID)
	if !ok || rec.Kind != kindConfig {
		s.writeJSON(w, 404, APIError{Error: "configId not found (upload config.json first)"})
		return
	}

	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()

	s.dev.cancelLocked()
	s.dev.disconnectLocked()

	if strings.TrimSpace(rec.Params.SERIAL.PORT) == "" {
		port, err := serialpkg.AutoDetectPort()
		if err != nil {
			s.writeJSON(w, 400, APIError{Error: "could not auto-detect serial port: " + err.Error()})
			return
		}
		rec.Params.SERIAL.PORT = port
	}

	port, err := openPort(rec.Params.SERIAL.PORT, rec.Params.SERIAL.BAUDRATE)
	if err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}

	// Probe before claiming success. The first raw line back ends the
	// wait early.
	probeCtx, probeCancel := context.WithCancel(r.Context())
	alive, err := capture.Ping(probeCtx, port, func(string) { probeCancel() })
	probeCancel()
	if err != nil || !alive {
		_ = port.Close()
		msg := "device did not answer the status probe"
		if err != nil {
			msg = "status probe failed: " + err.Error()
		}
		s.writeJSON(w, 400, APIError{Error: msg})
		return
	}

	s.dev.configID = rec.ID
	s.dev.params = rec.Params
	s.dev.port = port

	s.writeJSON(w, 200, ConnectResponse{
		Connected: true,
		Port:      rec.Params.SERIAL.PORT,
		Baud:      rec.Params.SERIAL.BAUDRATE,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.dev.cancelLocked()
	s.dev.disconnectLocked()
	s.writeJSON(w, 200, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	s.dev.mu.Lock()
	resp := StatusResponse{
		Connected: s.dev.port != nil,
		ConfigID:  s.dev.configID,
		Busy:      s.dev.opCancel != nil,
		LastRows:  len(s.dev.lastSamples),
	}
	if s.dev.port != nil {
		resp.Port = s.dev.params.SERIAL.PORT
		resp.Baud = s.dev.params.SERIAL.BAUDRATE
	}
	s.dev.mu.Unlock()
	s.writeJSON(w, 200, resp)
}

// handleActiveConfig reports the parameters the current connection runs
// with. Stored variants are served by /api/download instead.
func (s *Server) handleActiveConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	s.dev.mu.Lock()
	params := s.dev.params
	s.dev.mu.Unlock()
	if params == nil {
		s.writeJSON(w, 404, APIError{Error: "not connected"})
		return
	}
	s.writeJSON(w, 200, params)
}

func (s *Server) handleStopOp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.dev.cancelLocked()
	s.writeJSON(w, 200, map[string]bool{"ok": true})
}

func (s *Server) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req CaptureStartRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}

	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.dev.port == nil {
		s.writeJSON(w, 400, APIError{Error: "not connected"})
		return
	}
	s.dev.cancelLocked()

	minConf := s.dev.params.MINCONF
	if req.MinConf != nil {
		minConf = *req.MinConf
	}

	ctx, cancel := context.WithCancel(context.Background())
	keys := make(chan rune, 16)
	sess := capture.NewSession(s.dev.port, capture.Options{
		MinConf: minConf,
		Keys:    keys,
		OnUpdate: func(u capture.Update) {
			s.wsTelemetry.Broadcast(WSMessage{Type: string(u.Phase), Data: u})
		},
	})

	s.dev.opCancel = cancel
	s.dev.keys = keys

	go func() {
		samples, err := sess.Run(ctx)
		cancel()

		s.dev.mu.Lock()
		if len(samples) > 0 {
			s.dev.lastSamples = samples
		}
		// Clear only if this run still owns the slot.
		if s.dev.keys == keys {
			s.dev.opCancel = nil
			s.dev.keys = nil
		}
		s.dev.mu.Unlock()

		if err != nil {
			s.wsTelemetry.Broadcast(WSMessage{Type: "error", Data: map[string]string{"error": err.Error()}})
			return
		}
		s.wsTelemetry.Broadcast(WSMessage{Type: "done", Data: map[string]int{"saved": len(samples)}})
	}()

	s.writeJSON(w, 200, map[string]bool{"ok": true})
}

func (s *Server) handleCaptureLabel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req LabelRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	key := strings.ToLower(strings.TrimSpace(req.Key))
	if key != "f" && key != "s" && key != "q" {
		s.writeJSON(w, 400, APIError{Error: "key must be f, s or q"})
		return
	}

	s.dev.mu.Lock()
	keys := s.dev.keys
	s.dev.mu.Unlock()
	if keys == nil {
		s.writeJSON(w, 400, APIError{Error: "no capture in progress"})
		return
	}
	select {
	case keys <- rune(key[0]):
	default:
	}
	s.writeJSON(w, 200, map[string]bool{"ok": true})
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req TrainRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}

	samples, err := s.trainingRows(req.DataID)
	if err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}

	m, err := train.Fit(samples)
	if err != nil {
		if errors.Is(err, train.ErrNeedBothClasses) {
			s.writeJSON(w, 400, APIError{Error: "need both classes"})
			return
		}
		s.writeJSON(w, 500, APIError{Error: err.Error()})
		return
	}
	line := protocol.BuildWeightLine(m.W, m.B)

	resp := TrainResponse{
		Rows:        len(samples),
		FreshAnchor: m.FreshAnchor,
		SpoilAnchor: m.SpoilAnchor,
		Weight:      m.W,
		Bias:        m.B,
		Accuracy:    train.Accuracy(m, samples),
		WeightLine:  line,
	}

	if req.Push {
		s.dev.mu.Lock()
		port := s.dev.port
		s.dev.mu.Unlock()
		if port == nil {
			s.writeJSON(w, 400, APIError{Error: "not connected (cannot push weights)"})
			return
		}
		if err := port.Send(line); err != nil {
			s.writeJSON(w, 500, APIError{Error: err.Error()})
			return
		}
		resp.Pushed = true
	}

	s.wsTelemetry.Broadcast(WSMessage{Type: "trained", Data: resp})
	s.writeJSON(w, 200, resp)
}

// trainingRows resolves the rows to fit: an uploaded dataset when
// dataId is given, then the last capture run, then the data file from
// the active config.
func (s *Server) trainingRows(dataID string) ([]models.Sample, error) {
	if dataID != "" {
		rec, ok := s.store.Get(dataID)
		if !ok || rec.Kind != kindData {
			return nil, fmt.Errorf("dataId not found")
		}
		return rec.Samples, nil
	}

	s.dev.mu.Lock()
	last := s.dev.lastSamples
	params := s.dev.params
	s.dev.mu.Unlock()
	if len(last) > 0 {
		return last, nil
	}

	path := models.DefaultDataPath
	if params != nil && strings.TrimSpace(params.DATA) != "" {
		path = params.DATA
	}
	return storepkg.Load(path)
}
