// Package tool mediates client-executed tool calls: parameter validation,
// safety policy, risk classification, approval routing, and result ingestion.
// The server never touches the user's filesystem; it signs off on intents and
// the client executes them.
package tool

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/platform/models"
)

// Tool names form a closed set; anything else is rejected before validation.
const (
	ReadFile       = "read_file"
	WriteFile      = "write_file"
	ExecuteCommand = "execute_command"
	ListDirectory  = "list_directory"
)

// Definition describes one mediated tool.
type Definition struct {
	Name        string
	Description string
	Schema      string // JSON schema for the params object
	BaseRisk    models.RiskLevel
}

var definitions = map[string]Definition{
	ReadFile: {
		Name:        ReadFile,
		Description: "Read a file from the project workspace",
		BaseRisk:    models.RiskLow,
		Schema: `{
			"type": "object",
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"max_bytes": {"type": "integer", "minimum": 1}
			},
			"required": ["path"],
			"additionalProperties": false
		}`,
	},
	WriteFile: {
		Name:        WriteFile,
		Description: "Write or overwrite a file in the project workspace",
		BaseRisk:    models.RiskMedium,
		Schema: `{
			"type": "object",
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"content": {"type": "string"}
			},
			"required": ["path", "content"],
			"additionalProperties": false
		}`,
	},
	ExecuteCommand: {
		Name:        ExecuteCommand,
		Description: "Execute a shell command in the project workspace",
		BaseRisk:    models.RiskHigh,
		Schema: `{
			"type": "object",
			"properties": {
				"command": {"type": "string", "minLength": 1},
				"timeout_s": {"type": "integer", "minimum": 1, "maximum": 300}
			},
			"required": ["command"],
			"additionalProperties": false
		}`,
	},
	ListDirectory: {
		Name:        ListDirectory,
		Description: "List a directory in the project workspace",
		BaseRisk:    models.RiskLow,
		Schema: `{
			"type": "object",
			"properties": {
				"path": {"type": "string"}
			},
			"additionalProperties": false
		}`,
	},
}

// Definitions returns all registered tool definitions.
func Definitions() []Definition {
	out := make([]Definition, 0, len(definitions))
	for _, d := range definitions {
		out = append(out, d)
	}
	return out
}

// Lookup returns the definition for a tool name.
func Lookup(name string) (Definition, error) {
	d, ok := definitions[name]
	if !ok {
		return Definition{}, apperr.New(apperr.KindValidation, "unknown tool %q", name)
	}
	return d, nil
}

var schemaCache sync.Map

func compileSchema(schema string) (*jsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(schema); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", schema)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(schema, compiled)
	return compiled, nil
}

// ValidateParams checks raw params against the tool's schema.
func ValidateParams(name string, params json.RawMessage) error {
	def, err := Lookup(name)
	if err != nil {
		return err
	}

	schema, err := compileSchema(def.Schema)
	if err != nil {
		return fmt.Errorf("compile tool schema: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "tool params must be a JSON object")
	}
	if err := schema.Validate(decoded); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "invalid params for %s", name)
	}
	return nil
}
