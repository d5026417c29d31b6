package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CK6170/fruitell-go/models"
	"github.com/CK6170/fruitell-go/protocol"
)

// scriptedDevice feeds a fixed sequence of lines to the session. An
// empty string in the script acts as a read-timeout tick. Once the
// script runs out it keeps ticking, or fails with readErr when set.
type scriptedDevice struct {
	mu      sync.Mutex
	lines   []string
	sent    []string
	readErr error
	sendErr error
}

func (d *scriptedDevice) ReadLine() (string, error) {
	d.mu.Lock()
	if len(d.lines) == 0 {
		err := d.readErr
		d.mu.Unlock()
		if err != nil {
			return "", err
		}
		time.Sleep(time.Millisecond)
		return "", nil
	}
	line := d.lines[0]
	d.lines = d.lines[1:]
	d.mu.Unlock()
	if line == "" {
		time.Sleep(time.Millisecond)
	}
	return line, nil
}

func (d *scriptedDevice) Send(cmd string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, cmd)
	return nil
}

func (d *scriptedDevice) sentCommands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sent))
	copy(out, d.sent)
	return out
}

func csvLine(ts int64, echoUS, confPct float64) string {
	return fmt.Sprintf("%d,%.1f,4.0,0.0,%.1f,1400,2600", ts, echoUS, confPct)
}

// TestSessionLabelsSamplesInArrivalOrder runs a full capture round: five
// telemetry lines stream in, the operator presses f, s, f and quits, and
// exactly the first three readings come out labeled in order.
func TestSessionLabelsSamplesInArrivalOrder(t *testing.T) {
	t.Parallel()

	dev := &scriptedDevice{lines: []string{
		csvLine(1000, 1500, 90),
		csvLine(1100, 1620, 90),
		csvLine(1200, 2480, 90),
		csvLine(1300, 1710, 90),
		csvLine(1400, 2390, 90),
	}}
	keys := make(chan rune, 8)
	keySeq := []rune{'f', 's', 'f', 'q'}
	liveSeen := 0

	sess := NewSession(dev, Options{
		MinConf: 0,
		Keys:    keys,
		OnUpdate: func(u Update) {
			if u.Phase != PhaseLive {
				return
			}
			if liveSeen < len(keySeq) {
				keys <- keySeq[liveSeen]
			}
			liveSeen++
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	samples, err := sess.Run(ctx)
	require.NoError(t, err)

	require.Len(t, samples, 3)
	assert.InDelta(t, 1500.0, samples[0].EchoUS, 1e-9)
	assert.Equal(t, models.FRESH, samples[0].Label)
	assert.InDelta(t, 1620.0, samples[1].EchoUS, 1e-9)
	assert.Equal(t, models.SPOILED, samples[1].Label)
	assert.InDelta(t, 2480.0, samples[2].EchoUS, 1e-9)
	assert.Equal(t, models.FRESH, samples[2].Label)

	for _, s := range samples {
		assert.InDelta(t, 1400.0, s.FreshAnchor, 1e-9)
		assert.InDelta(t, 2600.0, s.SpoilAnchor, 1e-9)
	}

	// Streaming was enabled once up front; data arrived immediately so
	// no resend fired.
	cmds := dev.sentCommands()
	require.Len(t, cmds, 1)
	assert.Equal(t, protocol.CmdTrainOn, cmds[0])
}

// TestSessionConfidenceGate checks that low-confidence readings never
// become label candidates: a keypress over a gated stream reports
// not-ready and saves nothing.
func TestSessionConfidenceGate(t *testing.T) {
	t.Parallel()

	// Device confidence zero and MAD at the proxy ceiling, so the
	// effective confidence is 0 against a gate of 60.
	dev := &scriptedDevice{lines: []string{
		"1000,1500.0,240.0,0.0,0.0,1400,2600",
		"1100,1510.0,240.0,0.0,0.0,1400,2600",
	}}
	keys := make(chan rune, 2)
	keys <- 'f'
	keys <- 'q'

	sawNotReady := false
	sess := NewSession(dev, Options{
		MinConf: 60,
		Keys:    keys,
		OnUpdate: func(u Update) {
			switch u.Phase {
			case PhaseNotReady:
				sawNotReady = true
			case PhaseLive:
				t.Errorf("gated reading reached the candidate slot: %+v", u.Record)
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	samples, err := sess.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, samples)
	assert.True(t, sawNotReady, "expected a not-ready report for the wasted keypress")
}

// TestSessionLabelsLatestCandidate checks last-write-wins: when two
// readings arrive before the operator reacts, the label lands on the
// newer one.
func TestSessionLabelsLatestCandidate(t *testing.T) {
	t.Parallel()

	dev := &scriptedDevice{lines: []string{
		csvLine(1000, 1500, 90),
		csvLine(1100, 1800, 90),
	}}
	keys := make(chan rune, 4)

	sess := NewSession(dev, Options{
		MinConf: 0,
		Keys:    keys,
		OnUpdate: func(u Update) {
			switch u.Phase {
			case PhaseLive:
				if u.Record.EchoUS == 1800 {
					keys <- 'f'
				}
			case PhaseSaved:
				keys <- 'q'
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	samples, err := sess.Run(ctx)
	require.NoError(t, err)

	require.Len(t, samples, 1)
	assert.InDelta(t, 1800.0, samples[0].EchoUS, 1e-9)
	assert.Equal(t, models.FRESH, samples[0].Label)
}

// TestSessionUppercaseAndEscape checks that labels are case-insensitive
// and that escape ends the session like q does.
func TestSessionUppercaseAndEscape(t *testing.T) {
	t.Parallel()

	dev := &scriptedDevice{lines: []string{csvLine(1000, 2500, 90)}}
	keys := make(chan rune, 4)

	sess := NewSession(dev, Options{
		MinConf: 0,
		Keys:    keys,
		OnUpdate: func(u Update) {
			switch u.Phase {
			case PhaseLive:
				keys <- 'S'
			case PhaseSaved:
				keys <- keyEsc
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	samples, err := sess.Run(ctx)
	require.NoError(t, err)

	require.Len(t, samples, 1)
	assert.Equal(t, models.SPOILED, samples[0].Label)
}

// TestSessionReturnsSamplesOnReadFailure checks that a dying port ends
// the session with an error but does not lose the labels already
// collected.
func TestSessionReturnsSamplesOnReadFailure(t *testing.T) {
	t.Parallel()

	lines := []string{csvLine(1000, 1500, 90)}
	// Give the consumer time to label the first reading before the
	// reader hits the failure.
	for i := 0; i < 100; i++ {
		lines = append(lines, "")
	}
	dev := &scriptedDevice{lines: lines, readErr: errors.New("port vanished")}
	keys := make(chan rune, 2)

	sess := NewSession(dev, Options{
		MinConf: 0,
		Keys:    keys,
		OnUpdate: func(u Update) {
			if u.Phase == PhaseLive {
				keys <- 'f'
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	samples, err := sess.Run(ctx)
	require.ErrorContains(t, err, "port vanished")
	require.Len(t, samples, 1)
	assert.Equal(t, models.FRESH, samples[0].Label)
}

// TestSessionResendsStreamCommand checks the silent-device path: until
// the first raw line arrives the session periodically repeats the
// stream-on command and keeps hinting that no data is coming.
func TestSessionResendsStreamCommand(t *testing.T) {
	t.Parallel()

	dev := &scriptedDevice{}
	noData := 0

	sess := NewSession(dev, Options{
		MinConf: 60,
		OnUpdate: func(u Update) {
			if u.Phase == PhaseNoData {
				noData++
			}
		},
	})
	sess.poll = 20 * time.Millisecond
	sess.resend = 50 * time.Millisecond
	sess.stale = 60 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	samples, err := sess.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, samples)

	cmds := dev.sentCommands()
	assert.GreaterOrEqual(t, len(cmds), 3, "expected the initial send plus resends")
	for _, c := range cmds {
		assert.Equal(t, protocol.CmdTrainOn, c)
	}
	assert.GreaterOrEqual(t, noData, 2, "expected repeated no-data hints")
}

// TestSessionStopsResendingAfterFirstLine checks that any raw line, even
// unparseable boot noise, stops the resend nudging.
func TestSessionStopsResendingAfterFirstLine(t *testing.T) {
	t.Parallel()

	dev := &scriptedDevice{lines: []string{"booting fruit sensor v2..."}}
	sess := NewSession(dev, Options{MinConf: 60})
	sess.poll = 20 * time.Millisecond
	sess.resend = 30 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	_, err := sess.Run(ctx)
	require.NoError(t, err)

	cmds := dev.sentCommands()
	require.Len(t, cmds, 1)
	assert.Equal(t, protocol.CmdTrainOn, cmds[0])
}

// TestSessionQuitWithoutData checks a clean stop on an idle stream.
func TestSessionQuitWithoutData(t *testing.T) {
	t.Parallel()

	dev := &scriptedDevice{}
	keys := make(chan rune, 1)
	keys <- 'q'

	sess := NewSession(dev, Options{MinConf: 60, Keys: keys})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	samples, err := sess.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

// TestCandidateSlot exercises the mailbox semantics directly.
func TestCandidateSlot(t *testing.T) {
	t.Parallel()

	var slot candidateSlot
	_, ok := slot.take()
	assert.False(t, ok)

	first := models.TelemetryRecord{EchoUS: 1500}
	second := models.TelemetryRecord{EchoUS: 1800}
	slot.put(first)
	slot.put(second)

	rec, ok := slot.peek()
	require.True(t, ok)
	assert.InDelta(t, 1800.0, rec.EchoUS, 1e-9)

	rec, ok = slot.take()
	require.True(t, ok)
	assert.InDelta(t, 1800.0, rec.EchoUS, 1e-9)

	_, ok = slot.take()
	assert.False(t, ok, "take must consume the candidate")
	_, ok = slot.peek()
	assert.False(t, ok)
}

// TestEffectiveConfidence covers the device-reported and proxy paths.
func TestEffectiveConfidence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		conf float64
		mad  float64
		want float64
	}{
		{"device confidence wins", 87.5, 200, 87.5},
		{"steady echo proxies high", 0, 0, 100},
		{"half spread", 0, 120, 50},
		{"spread at ceiling", 0, 240, 0},
		{"spread beyond ceiling clamps", 0, 300, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EffectiveConfidence(models.TelemetryRecord{ConfPct: tc.conf, MADUS: tc.mad})
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}
