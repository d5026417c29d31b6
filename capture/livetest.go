package capture

import (
	"context"
	"fmt"

	"github.com/CK6170/fruitell-go/echo"
	"github.com/CK6170/fruitell-go/models"
	"github.com/CK6170/fruitell-go/protocol"
)

// TestUpdate is one live-test reading.
type TestUpdate struct {
	Record   models.TelemetryRecord
	FreshPct float64 // device-reported when positive, else scaled locally
	ConfPct  float64
}

// LiveTest streams telemetry and reports a freshness estimate per
// reading until the context ends. When the device has no trained model
// yet its fresh percentage reads zero, so the estimate falls back to the
// echo position between the given anchors.
func LiveTest(ctx context.Context, dev Device, freshAnchor, spoilAnchor float64, onUpdate func(TestUpdate)) error {
	if err := dev.Send(protocol.CmdTrainOn); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := dev.ReadLine()
		if err != nil {
			return fmt.Errorf("telemetry read: %w", err)
		}
		if line == "" {
			continue
		}
		rec, ok := protocol.ParseDeviceLine(line)
		if !ok {
			continue
		}

		fresh := rec.FreshPct
		if fresh <= 0 {
			fresh = echo.Normalize(rec.EchoUS, freshAnchor, spoilAnchor) * 100.0
		}
		if onUpdate != nil {
			onUpdate(TestUpdate{Record: rec, FreshPct: fresh, ConfPct: EffectiveConfidence(rec)})
		}
	}
}
