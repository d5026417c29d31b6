// Package capture drives the operator-facing workflows against a live
// device: labeled sample capture, live freshness testing, the self-test
// uploader and the status ping. All workflows are UI-agnostic and report
// progress through callbacks so the CLI, the TUI and the monitor server
// can share them.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/CK6170/fruitell-go/echo"
	"github.com/CK6170/fruitell-go/models"
	"github.com/CK6170/fruitell-go/protocol"
)

// Device is the slice of a serial session the capture workflows need.
// *serial.Session implements it.
type Device interface {
	ReadLine() (string, error)
	Send(cmd string) error
}

const (
	pollTimeout = 250 * time.Millisecond
	resendAfter = 1500 * time.Millisecond
	noDataAfter = 2 * time.Second

	telemetryQueueSize = 256
	keyEsc             = rune(27)
)

// Phase identifies what a capture Update reports.
type Phase string

const (
	// PhaseLive carries a fresh qualifying reading.
	PhaseLive Phase = "live"
	// PhaseSaved confirms a keypress labeled the current candidate.
	PhaseSaved Phase = "saved"
	// PhaseNotReady means a label key arrived with no candidate pending.
	PhaseNotReady Phase = "not-ready"
	// PhaseNoData means the device has been silent past the hint threshold.
	PhaseNoData Phase = "no-data"
	// PhaseStopping means the operator asked to finish the session.
	PhaseStopping Phase = "stopping"
)

// Update is one progress report from a capture session.
type Update struct {
	Phase  Phase
	Record models.TelemetryRecord // valid for live and saved
	Scaled float64                // normalized echo position, live only
	Conf   float64                // effective confidence, live only
	Label  models.Label           // saved only
	Saved  int                    // labeled sample count so far
}

// Options configure a capture session.
type Options struct {
	// MinConf is the confidence gate: readings below it never become
	// label candidates.
	MinConf float64
	// Keys delivers operator keypresses. Closing the channel disables
	// key handling without ending the session.
	Keys <-chan rune
	// OnUpdate receives progress reports. Called from the session
	// goroutine; keep it fast.
	OnUpdate func(Update)
}

// Session runs one labeled-capture round: it streams telemetry, keeps
// the freshest qualifying reading as the label candidate, and turns
// operator keypresses into labeled samples.
type Session struct {
	dev  Device
	opts Options

	telemetry chan models.TelemetryRecord
	keys      <-chan rune
	slot      candidateSlot
	samples   []models.Sample

	gotLine atomic.Bool
	lastTx  time.Time

	poll   time.Duration
	resend time.Duration
	stale  time.Duration
}

// NewSession prepares a capture session over an open device.
func NewSession(dev Device, opts Options) *Session {
	return &Session{
		dev:       dev,
		opts:      opts,
		telemetry: make(chan models.TelemetryRecord, telemetryQueueSize),
		keys:      opts.Keys,
		poll:      pollTimeout,
		resend:    resendAfter,
		stale:     noDataAfter,
	}
}

// Candidate returns the reading currently awaiting a label, if any.
func (s *Session) Candidate() (models.TelemetryRecord, bool) {
	return s.slot.peek()
}

// Samples returns the labeled samples collected so far.
func (s *Session) Samples() []models.Sample {
	return s.samples
}

// Run starts streaming and blocks until the operator quits, the context
// ends, or the device fails. The labeled samples collected up to that
// point are returned even when the session ends with an error, so the
// caller can still flush them to disk.
func (s *Session) Run(ctx context.Context) ([]models.Sample, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.dev.Send(protocol.CmdTrainOn); err != nil {
		return nil, err
	}
	s.lastTx = time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })

	runErr := s.consume(gctx)

	cancel()
	err := g.Wait()
	if err != nil && runErr == nil &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		runErr = err
	}
	return s.samples, runErr
}

// readLoop pulls raw lines off the device, parses them and queues the
// structured records. It never writes to the port; command traffic stays
// with the consumer so writes have a single owner.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := s.dev.ReadLine()
		if err != nil {
			return fmt.Errorf("telemetry read: %w", err)
		}
		if line == "" {
			continue
		}
		s.gotLine.Store(true)

		rec, ok := protocol.ParseDeviceLine(line)
		if !ok {
			continue
		}
		select {
		case s.telemetry <- rec:
		default:
			// Queue full: drop the oldest record so the freshest wins.
			select {
			case <-s.telemetry:
			default:
			}
			select {
			case s.telemetry <- rec:
			default:
			}
		}
	}
}

// consume is the session's single decision loop: it takes parsed records
// off the queue, maintains the label candidate, applies operator keys
// and owns all command writes.
func (s *Session) consume(ctx context.Context) error {
	lastSeen := time.Now()
	for {
		var rec *models.TelemetryRecord
		select {
		case <-ctx.Done():
			return nil
		case r := <-s.telemetry:
			rec = &r
			lastSeen = time.Now()
		case <-time.After(s.poll):
		}

		if rec != nil {
			conf := EffectiveConfidence(*rec)
			if conf >= s.opts.MinConf {
				s.slot.put(*rec)
				s.emit(Update{
					Phase:  PhaseLive,
					Record: *rec,
					Scaled: echo.Normalize(rec.EchoUS, rec.FreshAnchor, rec.SpoilAnchor),
					Conf:   conf,
					Saved:  len(s.samples),
				})
			}
		}

		var key rune
		select {
		case k, ok := <-s.keys:
			if !ok {
				s.keys = nil
				break
			}
			key = unicode.ToLower(k)
		default:
		}

		switch key {
		case 'f', 's':
			if cand, ok := s.slot.take(); ok {
				label := models.SPOILED
				if key == 'f' {
					label = models.FRESH
				}
				s.samples = append(s.samples, models.Sample{
					EchoUS:      cand.EchoUS,
					Label:       label,
					FreshAnchor: cand.FreshAnchor,
					SpoilAnchor: cand.SpoilAnchor,
				})
				s.emit(Update{Phase: PhaseSaved, Record: cand, Label: label, Saved: len(s.samples)})
			} else {
				s.emit(Update{Phase: PhaseNotReady, Saved: len(s.samples)})
			}
		case 'q', keyEsc:
			s.emit(Update{Phase: PhaseStopping, Saved: len(s.samples)})
			return nil
		}

		// Some firmware revisions boot with streaming off. Until the
		// first raw line shows up, nudge the device again at most once
		// per resend interval.
		if !s.gotLine.Load() && time.Since(s.lastTx) > s.resend {
			if err := s.dev.Send(protocol.CmdTrainOn); err == nil {
				s.lastTx = time.Now()
			}
		}

		if time.Since(lastSeen) > s.stale {
			s.emit(Update{Phase: PhaseNoData, Saved: len(s.samples)})
		}
	}
}

func (s *Session) emit(u Update) {
	if s.opts.OnUpdate != nil {
		s.opts.OnUpdate(u)
	}
}

// EffectiveConfidence returns the device-reported confidence when it is
// positive, otherwise a proxy derived from echo spread: max(0,
// (1-mad/240)*100). Untrained firmware reports zero confidence, and
// without the proxy every noisy reading would reach the operator.
func EffectiveConfidence(rec models.TelemetryRecord) float64 {
	if rec.ConfPct > 0 {
		return rec.ConfPct
	}
	conf := (1 - rec.MADUS/240.0) * 100.0
	if conf < 0 {
		conf = 0
	}
	return conf
}
