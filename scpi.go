package batteryprofiletest

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// scpiConn is a line-oriented SCPI session with an instrument.
type scpiConn interface {
	Write(cmd string) error
	Query(cmd string) (string, error)
	Close() error
}

// streamSCPI speaks SCPI over any byte stream, one newline-terminated
// command or response per line.
type streamSCPI struct {
	rw io.ReadWriteCloser
	r  *bufio.Reader
}

func newStreamSCPI(rw io.ReadWriteCloser) *streamSCPI {
	return &streamSCPI{rw: rw, r: bufio.NewReader(rw)}
}

func openSerialSCPI(path string, baud int, readTimeout time.Duration) (*streamSCPI, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        path,
		Baud:        baud,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return newStreamSCPI(port), nil
}

func (s *streamSCPI) Write(cmd string) error {
	if _, err := io.WriteString(s.rw, cmd+"\n"); err != nil {
		return fmt.Errorf("writing %q: %w", cmd, err)
	}
	return nil
}

// Query writes cmd and reads one response line. A failed read discards
// anything already buffered, but a reply that arrives after the timeout can
// still be taken as the answer to the next query, so readings right after a
// timeout are suspect.
func (s *streamSCPI) Query(cmd string) (string, error) {
	if err := s.Write(cmd); err != nil {
		return "", err
	}
	line, err := s.r.ReadString('\n')
	if err != nil {
		s.r.Reset(s.rw)
		return "", fmt.Errorf("reading response to %q: %w", cmd, err)
	}
	return strings.TrimSpace(line), nil
}

func (s *streamSCPI) Close() error {
	return s.rw.Close()
}

// mockInstrument simulates a bench supply charging a battery: output voltage
// follows the setpoint and current tapers as the output stays enabled.
type mockInstrument struct {
	mu       sync.Mutex
	voltage  float64
	limitPos float64
	limitNeg float64
	output   bool
	reads    int
	written  []string
}

func newMockInstrument() *mockInstrument {
	return &mockInstrument{}
}

func (m *mockInstrument) Write(cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.written = append(m.written, cmd)
	fields := strings.Fields(cmd)
	if len(fields) != 2 {
		return fmt.Errorf("mock instrument: unsupported command %q", cmd)
	}
	if fields[0] == "OUTPUT" {
		switch fields[1] {
		case "ON":
			m.output = true
			m.reads = 0
		case "OFF":
			m.output = false
		default:
			return fmt.Errorf("mock instrument: bad output state %q", fields[1])
		}
		return nil
	}

	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return fmt.Errorf("mock instrument: %q: %w", cmd, err)
	}
	switch fields[0] {
	case "VOLT":
		m.voltage = v
	case "CURR:LIM":
		m.limitPos = v
	case "CURR:LIM:NEG":
		m.limitNeg = v
	default:
		return fmt.Errorf("mock instrument: unsupported command %q", cmd)
	}
	return nil
}

func (m *mockInstrument) Query(cmd string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch cmd {
	case "*IDN?":
		return "viamdemo,SIM-PSU,0,1.0", nil
	case "MEAS:VOLT?":
		if !m.output {
			return "0", nil
		}
		return strconv.FormatFloat(m.voltage, 'f', 3, 64), nil
	case "MEAS:CURR?":
		if !m.output {
			return "0", nil
		}
		// Taper from the positive limit, halving every 10 reads.
		m.reads++
		i := m.limitPos
		for n := m.reads / 10; n > 0 && i > 0.01; n-- {
			i /= 2
		}
		return strconv.FormatFloat(i, 'f', 3, 64), nil
	default:
		return "", fmt.Errorf("mock instrument: unsupported query %q", cmd)
	}
}

func (m *mockInstrument) Close() error {
	return nil
}
