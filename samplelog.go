package batteryprofiletest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"batteryprofiletest/engine"
)

var sampleHeader = []string{"time", "batt_voltage", "batt_current", "batt_soc", "charger_voltage", "charger_current", "step"}

type sample struct {
	elapsed        time.Duration
	battery        engine.Measurement
	chargerVoltage float64
	chargerCurrent float64
	step           int
}

// sampleLog appends one CSV row per sample, flushing every row so a crash
// loses at most the sample in flight.
type sampleLog struct {
	path string
	f    *os.File
	w    *csv.Writer
}

func sampleLogName(testName string, startedAt time.Time) string {
	if testName == "" {
		testName = "profile"
	}
	return fmt.Sprintf("%s_%s.csv", testName, startedAt.Format("20060102_150405"))
}

func openSampleLog(dir, testName string, startedAt time.Time) (*sampleLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	path := filepath.Join(dir, sampleLogName(testName, startedAt))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating sample log: %w", err)
	}
	l := &sampleLog{path: path, f: f, w: csv.NewWriter(f)}
	if err := l.writeRow(sampleHeader); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *sampleLog) Write(s sample) error {
	return l.writeRow([]string{
		strconv.FormatFloat(s.elapsed.Seconds(), 'f', 3, 64),
		formatSample(s.battery.Voltage),
		formatSample(s.battery.Current),
		formatSample(s.battery.SOC),
		formatSample(s.chargerVoltage),
		formatSample(s.chargerCurrent),
		strconv.Itoa(s.step),
	})
}

func (l *sampleLog) writeRow(row []string) error {
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("writing sample log: %w", err)
	}
	l.w.Flush()
	return l.w.Error()
}

func (l *sampleLog) Close() error {
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

func formatSample(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
