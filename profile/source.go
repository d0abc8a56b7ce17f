package profile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReadCSV reads records from a CSV source whose first row names the columns.
// Extra columns are ignored; missing required columns fail the read.
func ReadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &StructureError{Reason: "profile has no steps"}
	}
	if err != nil {
		return nil, fmt.Errorf("reading profile header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}
	for _, name := range Fields {
		if _, ok := columns[name]; !ok {
			return nil, &FormatError{Line: 1, Field: name}
		}
	}

	var records []Record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading profile: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if blank(row) {
			continue
		}
		rec := Record{Line: line, Fields: make(map[string]string, len(columns))}
		for name, i := range columns {
			if i < len(row) {
				rec.Fields[name] = row[i]
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// ReadYAML reads records from a YAML sequence of mappings keyed by the same
// column names as the CSV format.
func ReadYAML(r io.Reader) ([]Record, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &StructureError{Reason: "profile has no steps"}
		}
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, &StructureError{Reason: "profile has no steps"}
	}
	seq := doc.Content[0]
	if seq.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: profile must be a list of steps", seq.Line)
	}

	records := make([]Record, 0, len(seq.Content))
	for _, item := range seq.Content {
		if item.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("line %d: step must be a mapping", item.Line)
		}
		rec := Record{Line: item.Line, Fields: make(map[string]string, len(item.Content)/2)}
		for i := 0; i+1 < len(item.Content); i += 2 {
			key, val := item.Content[i], item.Content[i+1]
			if val.Kind != yaml.ScalarNode {
				return nil, &FormatError{Line: val.Line, Field: key.Value, Value: "<" + kindName(val.Kind) + ">",
					Err: errors.New("expected a scalar")}
			}
			rec.Fields[key.Value] = val.Value
		}
		records = append(records, rec)
	}
	return records, nil
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.AliasNode:
		return "alias"
	default:
		return "node"
	}
}

// LoadFile reads and validates the profile at path. The format follows the
// file extension: .csv, .yaml or .yml.
func LoadFile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening profile: %w", err)
	}
	defer f.Close()

	var records []Record
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		records, err = ReadCSV(f)
	case ".yaml", ".yml":
		records, err = ReadYAML(f)
	default:
		return nil, fmt.Errorf("unsupported profile format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	p, err := New(records)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}
