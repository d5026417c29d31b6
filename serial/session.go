// Package serial owns the connection to the freshness sensor: opening
// with retries, the reset dance Arduino-style boards need, line-oriented
// reads, and teardown.
package serial

import (
	"bytes"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	goserial "go.bug.st/serial"

	"github.com/CK6170/fruitell-go/protocol"
)

const (
	openRetries    = 6
	openRetryDelay = 1 * time.Second
	readTimeout    = 150 * time.Millisecond
	pulseDelay     = 50 * time.Millisecond
	// settleDelay covers the bootloader window after the control-line
	// pulse; Nano-style boards need close to three seconds before they
	// listen.
	settleDelay = 2800 * time.Millisecond
)

// ErrWriteFailed wraps write errors towards the device.
var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// Session is an open connection in a known post-boot state. Reads must
// come from a single goroutine; writes are serialized internally.
type Session struct {
	port goserial.Port
	name string

	writeMu sync.Mutex
	carry   []byte

	closeOnce sync.Once
	closeErr  error
}

// Open connects to the device and brings it to a clean post-boot state.
//
// Each attempt opens the port and pulses DTR/RTS low then high to force
// a board reset; attempts repeat up to six times one second apart, since
// the OS may still hold the port right after a replug. After a
// successful open the session waits out the bootloader and drops
// whatever boot chatter accumulated in the buffers, so the first read
// never sees half a banner.
func Open(portName string, baud int) (*Session, error) {
	mode := &goserial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	}

	var port goserial.Port
	var lastErr error
	for attempt := 1; attempt <= openRetries; attempt++ {
		port, lastErr = openOnce(portName, mode)
		if lastErr == nil {
			break
		}
		log.Printf("[open retry %d/%d] %v", attempt, openRetries, lastErr)
		if attempt < openRetries {
			time.Sleep(openRetryDelay)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("open %s: %w", portName, lastErr)
	}

	time.Sleep(settleDelay)
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, err
	}
	if err := port.ResetOutputBuffer(); err != nil {
		_ = port.Close()
		return nil, err
	}
	return &Session{port: port, name: portName}, nil
}

func openOnce(portName string, mode *goserial.Mode) (goserial.Port, error) {
	port, err := goserial.Open(portName, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, err
	}
	for _, level := range []bool{false, true} {
		if err := port.SetDTR(level); err != nil {
			_ = port.Close()
			return nil, err
		}
		if err := port.SetRTS(level); err != nil {
			_ = port.Close()
			return nil, err
		}
		time.Sleep(pulseDelay)
	}
	return port, nil
}

// Name returns the port this session is attached to.
func (s *Session) Name() string { return s.name }

// ReadLine returns the next complete device line with its terminator
// stripped. A read-timeout tick with no complete line returns the empty
// string, so callers stay responsive to cancellation; partial data is
// carried into the next call rather than surfaced as a truncated line.
func (s *Session) ReadLine() (string, error) {
	buf := make([]byte, 256)
	for {
		if i := bytes.IndexByte(s.carry, '\n'); i >= 0 {
			line := string(bytes.TrimRight(s.carry[:i], "\r"))
			s.carry = append(s.carry[:0], s.carry[i+1:]...)
			return line, nil
		}
		n, err := s.port.Read(buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", nil
		}
		s.carry = append(s.carry, buf[:n]...)
	}
}

// Send writes one command, appending the newline terminator if missing,
// and drains it to the wire. Writes are serialized so a weight line and
// a mode command never interleave.
func (s *Session) Send(cmd string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !strings.HasSuffix(cmd, "\n") {
		cmd += "\n"
	}
	if _, err := s.port.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return s.port.Drain()
}

// Close sends the streaming-off command best-effort and releases the
// port. The stop write failing never blocks the release; Close is safe
// to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_ = s.Send(protocol.CmdTrainOff)
		s.closeErr = s.port.Close()
	})
	return s.closeErr
}
