// Package schemas validates candidate checkpoint artifacts against the
// versioned JSON Schema each stage declares. The schema version is
// stored alongside the committed artifact, so evolving a stage's
// contract never invalidates historical runs.
package schemas

import (
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
)

//go:embed documents/*.json
var schemaFS embed.FS

// Validator implements core.ArtifactValidator against the embedded
// schema documents. Validation is a pure function of (stage, version,
// candidate): the same inputs always yield the same verdict.
type Validator struct {
	mu       sync.RWMutex
	compiled map[string]*gojsonschema.Schema
}

// NewValidator creates a validator over the embedded schema documents.
func NewValidator() *Validator {
	return &Validator{
		compiled: make(map[string]*gojsonschema.Schema),
	}
}

// Validate checks the candidate document against the schema declared
// for the stage at the given version. Structural invalidity is a
// verdict, not an error; errors are reserved for unknown schemas and
// malformed candidates.
func (v *Validator) Validate(stage core.Stage, schemaVersion int, candidate json.RawMessage) (*core.ValidationResult, error) {
	if len(candidate) == 0 {
		return &core.ValidationResult{
			Valid:   false,
			Reasons: []string{"candidate artifact is empty"},
		}, nil
	}
	if !json.Valid(candidate) {
		return &core.ValidationResult{
			Valid:   false,
			Reasons: []string{"candidate artifact is not valid JSON"},
		}, nil
	}

	schema, err := v.schemaFor(stage, schemaVersion)
	if err != nil {
		return nil, err
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(candidate))
	if err != nil {
		return nil, fmt.Errorf("validating candidate for stage %s: %w", stage, err)
	}
	if result.Valid() {
		return &core.ValidationResult{Valid: true}, nil
	}

	reasons := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		reasons = append(reasons, fmt.Sprintf("%s: %s", field, desc.Description()))
	}
	return &core.ValidationResult{Valid: false, Reasons: reasons}, nil
}

// schemaFor returns the compiled schema for (stage, version), compiling
// and caching it on first use.
func (v *Validator) schemaFor(stage core.Stage, version int) (*gojsonschema.Schema, error) {
	key := fmt.Sprintf("%s_v%d", stage, version)

	v.mu.RLock()
	schema, ok := v.compiled[key]
	v.mu.RUnlock()
	if ok {
		return schema, nil
	}

	raw, err := schemaFS.ReadFile(fmt.Sprintf("documents/%s.json", key))
	if err != nil {
		return nil, core.ErrValidation("SCHEMA_UNKNOWN",
			fmt.Sprintf("no schema for stage %s version %d", stage, version)).WithCause(err)
	}

	schema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compiling schema %s: %w", key, err)
	}

	v.mu.Lock()
	v.compiled[key] = schema
	v.mu.Unlock()

	return schema, nil
}
