package capture

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/CK6170/fruitell-go/models"
	"github.com/CK6170/fruitell-go/serial"
)

// DefaultParameters returns the configuration used when no config file is
// given: auto-detected port, standard baud rate, default confidence gate
// and data path.
func DefaultParameters() *models.PARAMETERS {
	return &models.PARAMETERS{
		SERIAL:  &models.SERIAL{BAUDRATE: models.DefaultBaudRate},
		MINCONF: models.DefaultMinConf,
		DATA:    models.DefaultDataPath,
	}
}

// LoadParameters reads a JSON config file and fills in defaults for any
// field the file leaves out.
func LoadParameters(path string) (*models.PARAMETERS, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var params models.PARAMETERS
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if params.SERIAL == nil {
		params.SERIAL = &models.SERIAL{}
	}
	if params.SERIAL.BAUDRATE <= 0 {
		params.SERIAL.BAUDRATE = models.DefaultBaudRate
	}
	if params.MINCONF <= 0 {
		params.MINCONF = models.DefaultMinConf
	}
	if strings.TrimSpace(params.DATA) == "" {
		params.DATA = models.DefaultDataPath
	}
	return &params, nil
}

// PersistParameters writes the configuration back to disk.
func PersistParameters(path string, params *models.PARAMETERS) error {
	data, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// EnsureSerialPort fills in the serial port by scanning for known USB
// adapters when the config does not name one. When persist is true and
// the config came from a file, the detected port is written back so the
// next run skips the scan. Reports whether the config changed.
func EnsureSerialPort(configPath string, params *models.PARAMETERS, persist bool) (bool, error) {
	if params == nil || params.SERIAL == nil {
		return false, fmt.Errorf("missing SERIAL section in config")
	}
	if strings.TrimSpace(params.SERIAL.PORT) != "" {
		return false, nil
	}

	port, err := serial.AutoDetectPort()
	if err != nil {
		return false, err
	}
	params.SERIAL.PORT = port

	if persist && configPath != "" {
		if err := PersistParameters(configPath, params); err != nil {
			return true, fmt.Errorf("detected %s but failed to persist config: %w", port, err)
		}
	}
	return true, nil
}
