// Package serialio owns the serial transport: device discovery and the
// full-duplex byte channel the protocol engine frames lines over.
package serialio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/samofly/serial"
)

// ErrDeviceNotFound is returned when no candidate tty device exists.
var ErrDeviceNotFound = errors.New("serialio: no candidate serial device found")

// candidateDevices is checked in order; in a typical print-farm
// deployment the printer enumerates as one of the first couple of
// ACM/USB serial nodes.
var candidateDevices = []string{
	"/dev/ttyACM0",
	"/dev/ttyACM1",
	"/dev/ttyACM2",
	"/dev/ttyUSB0",
	"/dev/ttyUSB1",
	"/dev/ttyUSB2",
}

// FindDevice returns the first candidate tty path that exists on disk.
func FindDevice() (string, error) {
	for _, dev := range candidateDevices {
		if _, err := os.Stat(dev); err == nil {
			return dev, nil
		}
	}
	return "", ErrDeviceNotFound
}

// Open opens the named serial device at baudRate, falling back to
// FindDevice's probing when path is empty.
func Open(path string, baudRate int) (io.ReadWriteCloser, error) {
	if path == "" {
		found, err := FindDevice()
		if err != nil {
			return nil, err
		}
		path = found
	}
	conn, err := serial.Open(path, baudRate)
	if err != nil {
		return nil, fmt.Errorf("serialio: opening %s at %d bps: %w", path, baudRate, err)
	}
	return conn, nil
}
