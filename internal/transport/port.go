package transport

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal serial port surface the session needs. Read must return
// (0, nil) once the read timeout elapses without data.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(timeout time.Duration) error
}

// PortOpener opens path at the given baud rate.
type PortOpener func(path string, baud int) (Port, error)

// SerialOpener opens a real device with 8N1 framing.
func SerialOpener(path string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(readSlice); err != nil {
		_ = port.Close()
		return nil, err
	}
	_ = port.ResetInputBuffer()
	return port, nil
}

// ListPorts enumerates serial devices known to the OS.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
