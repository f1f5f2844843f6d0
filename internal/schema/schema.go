// Package schema validates the JSON metadata documents the pipeline persists
// against embedded JSON Schemas.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"fedpoison/internal/faults"
)

//go:embed schemas/*.schema.json
var files embed.FS

// Kind names a persisted document type.
type Kind string

const (
	SplitMeta        Kind = "split-meta"
	FederatedMeta    Kind = "federated-meta"
	AttackMetadata   Kind = "attack-metadata"
	MultiseedResults Kind = "multiseed-results"
	DetectionReport  Kind = "detection-report"
	PreprocessMeta   Kind = "preprocess-meta"
)

// Kinds lists every known document type.
func Kinds() []Kind {
	return []Kind{PreprocessMeta, SplitMeta, FederatedMeta, AttackMetadata, MultiseedResults, DetectionReport}
}

func (k Kind) file() string {
	return "schemas/" + string(k) + "-v1.schema.json"
}

var (
	mu       sync.Mutex
	compiled = make(map[Kind]*jsonschema.Schema)
)

func load(kind Kind) (*jsonschema.Schema, error) {
	mu.Lock()
	defer mu.Unlock()

	if s, ok := compiled[kind]; ok {
		return s, nil
	}

	data, err := files.ReadFile(kind.file())
	if err != nil {
		return nil, fmt.Errorf("unknown document kind %q", kind)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(kind.file(), bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := compiler.Compile(kind.file())
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", kind, err)
	}

	compiled[kind] = s
	return s, nil
}

// Validate checks that data is a JSON document of the given kind.
// A document that fails validation is an integrity error.
func Validate(kind Kind, data []byte) error {
	s, err := load(kind)
	if err != nil {
		return err
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return faults.Integrityf("%s: decode: %v", kind, err)
	}

	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s: %v", faults.ErrIntegrity, kind, err)
	}
	return nil
}

// Marshal encodes v as indented JSON and validates the result, so a
// document that does not match its schema is never persisted.
func Marshal(kind Kind, v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	if err := Validate(kind, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Unmarshal validates data and decodes it into v.
func Unmarshal(kind Kind, data []byte, v any) error {
	if err := Validate(kind, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}
