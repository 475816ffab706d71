package oi

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal serial port surface the driver needs. The abstraction
// exists so tests can inject fakes without real hardware.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(timeout time.Duration) error
}

// Opener opens a serial port at the given path and baud rate.
type Opener func(path string, baud int) (Port, error)

// OpenSerial opens a real 8N1 serial port via go.bug.st/serial and asserts
// RTS/DTR, which wakes the robot on most USB adapters.
func OpenSerial(path string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrPortUnavailable, path, err)
	}
	if err := port.SetDTR(true); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: set DTR: %v", ErrPortUnavailable, err)
	}
	if err := port.SetRTS(true); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: set RTS: %v", ErrPortUnavailable, err)
	}
	return port, nil
}
