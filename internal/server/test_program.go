package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/CK6170/fruitell-go/capture"
	"github.com/CK6170/fruitell-go/echo"
)

func (s *Server) handleTestStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req TestStartRequest
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

	fa, sa := s.dev.anchorsLocked()
	if req.FreshAnchor != nil {
		fa = *req.FreshAnchor
	}
	if req.SpoilAnchor != nil {
		sa = *req.SpoilAnchor
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.dev.opCancel = cancel
	port := s.dev.port

	go func() {
		err := capture.LiveTest(ctx, port, fa, sa, func(u capture.TestUpdate) {
			s.wsTelemetry.Broadcast(WSMessage{Type: "livetest", Data: u})
		})
		cancel()
		if err != nil {
			s.wsTelemetry.Broadcast(WSMessage{Type: "error", Data: map[string]string{"error": err.Error()}})
			return
		}
		s.wsTelemetry.Broadcast(WSMessage{Type: "stopped"})
	}()

	s.writeJSON(w, 200, map[string]bool{"ok": true})
}

func (s *Server) handleProgramStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req ProgramStartRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	samples, err := s.trainingRows(req.DataID)
	if err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	if len(samples) == 0 {
		s.writeJSON(w, 400, APIError{Error: "no rows to send"})
		return
	}

	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.dev.port == nil {
		s.writeJSON(w, 400, APIError{Error: "not connected"})
		return
	}
	s.dev.cancelLocked()

	opts := capture.ProgramOptions{}
	if req.WaitSeconds > 0 {
		opts.ReportWindow = time.Duration(req.WaitSeconds * float64(time.Second))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.dev.opCancel = cancel
	port := s.dev.port

	go func() {
		sent, err := capture.Program(ctx, port, samples, opts, func(u capture.ProgramUpdate) {
			s.wsTelemetry.Broadcast(WSMessage{Type: "program", Data: u})
		})
		cancel()
		switch {
		case err == nil:
			s.wsTelemetry.Broadcast(WSMessage{Type: "done", Data: map[string]int{"sent": sent}})
		case errors.Is(err, context.Canceled):
			s.wsTelemetry.Broadcast(WSMessage{Type: "stopped", Data: map[string]int{"sent": sent}})
		default:
			s.wsTelemetry.Broadcast(WSMessage{Type: "error", Data: map[string]string{"error": err.Error()}})
		}
	}()

	s.writeJSON(w, 200, map[string]bool{"ok": true})
}

// anchorsLocked picks echo anchors for a live test: medians over the
// last capture's samples, or the firmware defaults when none exist.
// Caller holds the lock.
func (d *DeviceSession) anchorsLocked() (float64, float64) {
	return echo.MedianAnchors(d.lastSamples)
}
