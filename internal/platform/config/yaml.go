package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrPathRequired indicates a missing config file path.
var ErrPathRequired = errors.New("config path is required")

// LoadYAMLFile decodes a YAML document into target. Unknown fields are
// rejected so typos in routing files surface at startup.
func LoadYAMLFile(path string, target any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return ErrPathRequired
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return DecodeYAML(raw, target)
}

// DecodeYAML decodes YAML bytes into target with strict field checking.
func DecodeYAML(raw []byte, target any) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}
