package compiler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// LoadFile reads a workflow definition from a YAML or JSON file. A
// definition without an id takes the file name without its extension.
func LoadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "read workflow %s: %s", path, err.Error()).WithCause(err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if def.ID == "" {
		base := filepath.Base(path)
		def.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return def, nil
}

// Parse decodes a definition. JSON is accepted since it is valid YAML.
// Unknown fields are rejected.
func Parse(data []byte) (*schema.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def schema.WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is empty")
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse workflow: %s", err.Error()).WithCause(err)
	}
	return &def, nil
}

// Marshal renders def as YAML.
func Marshal(def *schema.WorkflowDefinition) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(def); err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}
	return buf.Bytes(), nil
}
