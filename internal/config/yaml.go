package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// decodeYAML decodes a single settings document. Unknown keys and a second
// document are errors, matching the JSON decoder's strictness.
func decodeYAML(data []byte, st *settings) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(st); err != nil {
		if errors.Is(err, io.EOF) {
			// empty file
			return nil
		}
		return fmt.Errorf("yaml: %w", err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return fmt.Errorf("yaml: more than one document")
		}
		return fmt.Errorf("yaml: %w", err)
	}
	return nil
}
