package utils

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Output formats accepted by the -o flag.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Render writes data to w in the requested format. Text output is
// delegated to text so each command keeps its own layout.
func Render(w io.Writer, format string, data interface{}, text func(io.Writer) error) error {
	switch format {
	case "", FormatText:
		return text(w)
	case FormatJSON:
		out, err := MarshalJSON(data)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	case FormatYAML:
		out, err := MarshalYAML(data)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(w, string(out))
		return err
	}
	return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
}

// MarshalJSON marshals the provided data as indented JSON.
// Returns the JSON bytes or an error if marshaling fails.
func MarshalJSON(data interface{}) ([]byte, error) {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return jsonData, nil
}

// MarshalYAML marshals the provided data as YAML.
// Returns the YAML bytes or an error if marshaling fails.
func MarshalYAML(data interface{}) ([]byte, error) {
	yamlData, err := yaml.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return yamlData, nil
}
