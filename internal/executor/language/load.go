package language

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// fileFormat is the shape of RUNNER_LANGUAGES_FILE:
//
//	languages:
//	  - id: ruby
//	    extension: .rb
//	    run: ["ruby", "${source}"]
type fileFormat struct {
	Languages []Descriptor `yaml:"languages"`
}

// LoadFile reads descriptor overrides from a YAML file.
func LoadFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading languages file: %w", err)
	}
	return Parse(data)
}

// Parse decodes descriptor overrides. Unknown keys are rejected so typos in a
// deployment file fail at startup rather than silently dropping a command.
func Parse(data []byte) ([]Descriptor, error) {
	var f fileFormat
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parsing languages file: %w", err)
	}
	for _, d := range f.Languages {
		if err := d.validate(nil); err != nil {
			return nil, err
		}
	}
	return f.Languages, nil
}

// Merge layers overrides on top of base. A descriptor with an existing id replaces
// it wholesale; a new id is appended.
func Merge(base, overrides []Descriptor) []Descriptor {
	out := make([]Descriptor, 0, len(base)+len(overrides))
	index := make(map[string]int, len(base))
	for _, d := range base {
		index[normalize(d.ID)] = len(out)
		out = append(out, d)
	}
	for _, d := range overrides {
		if i, ok := index[normalize(d.ID)]; ok {
			out[i] = d
			continue
		}
		index[normalize(d.ID)] = len(out)
		out = append(out, d)
	}
	return out
}
