package serial

import (
	"errors"
	"strings"

	"go.bug.st/serial/enumerator"
)

// preferredVIDs are the USB bridge vendors the sensor ships behind:
// CH340 clones, official Arduino, and CP210x.
var preferredVIDs = map[string]bool{
	"1A86": true,
	"2341": true,
	"2A03": true,
	"10C4": true,
}

// ErrNoPorts means enumeration found nothing that looks like the sensor.
var ErrNoPorts = errors.New("no suitable serial port detected")

// AutoDetectPort returns the first enumerated port with a preferred USB
// vendor ID or an Arduino/CH340 product string. It never guesses beyond
// that: picking an arbitrary port could reboot some unrelated device, so
// with no match the operator has to name the port explicitly.
func AutoDetectPort() (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.IsUSB && preferredVIDs[strings.ToUpper(p.VID)] {
			return p.Name, nil
		}
		if strings.Contains(p.Product, "CH340") || strings.Contains(p.Product, "Arduino") {
			return p.Name, nil
		}
	}
	return "", ErrNoPorts
}

// ListPorts returns every enumerated port with its USB metadata, for the
// port-listing mode.
func ListPorts() ([]*enumerator.PortDetails, error) {
	return enumerator.GetDetailedPortsList()
}
