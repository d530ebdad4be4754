package policy

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/koltyakov/tunnelguard/internal/domain"
)

// Schema returns the JSON Schema of the policy document for editor
// tooling. Semantic rules (traversal, dangerous events, clock format) are
// enforced by [Validate], not by the schema.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&domain.Policy{})
	schema.Title = "tunnelguard policy"

	raw, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return raw, nil
}
