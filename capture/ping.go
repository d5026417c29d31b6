package capture

import (
	"context"
	"time"

	"github.com/CK6170/fruitell-go/protocol"
)

const pingWindow = 1500 * time.Millisecond

// Ping sends a status request and forwards every raw line the device
// answers with during a short window. Reports whether anything came
// back.
func Ping(ctx context.Context, dev Device, onLine func(string)) (bool, error) {
	if err := dev.Send(protocol.CmdStatus); err != nil {
		return false, err
	}

	alive := false
	deadline := time.Now().Add(pingWindow)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return alive, nil
		default:
		}

		line, err := dev.ReadLine()
		if err != nil {
			return alive, err
		}
		if line == "" {
			continue
		}
		alive = true
		if onLine != nil {
			onLine(line)
		}
	}
	return alive, nil
}
