// Package schema validates the platform's opaque JSON payloads at the
// boundary. The core stores test_config, results and manual test data
// as schema-less maps; only incoming requests are checked here.
package schema

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sitesentry/qa-platform/internal/domain"
)

const manualResultSchema = `{
	"type": "object",
	"required": ["test_data"],
	"properties": {
		"test_data": {"type": "object", "minProperties": 1},
		"screenshots": {"type": "array", "items": {"type": "string"}},
		"videos": {"type": "array", "items": {"type": "string"}},
		"test_duration_seconds": {"type": "integer", "minimum": 0}
	}
}`

const testConfigSchema = `{
	"type": "object",
	"properties": {
		"schedule": {"type": "string", "minLength": 1},
		"schedule_test_type": {"type": "string", "enum": ["full", "auth", "performance", "security", "ui"]},
		"max_pages": {"type": "integer", "minimum": 1},
		"auth": {
			"type": "object",
			"properties": {
				"username": {"type": "string"},
				"password": {"type": "string"},
				"login_url": {"type": "string"}
			}
		}
	}
}`

var (
	manualResult = jsonschema.MustCompileString("manual_result.json", manualResultSchema)
	testConfig   = jsonschema.MustCompileString("test_config.json", testConfigSchema)
)

// ValidateManualResult checks a manual submission payload
func ValidateManualResult(payload map[string]any) error {
	return validate(manualResult, payload)
}

// ValidateTestConfig checks a project's test configuration
func ValidateTestConfig(cfg map[string]any) error {
	if cfg == nil {
		return nil
	}
	return validate(testConfig, cfg)
}

func validate(s *jsonschema.Schema, v any) error {
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%s: %w", summarize(err), domain.ErrInvalidArgument)
	}
	return nil
}

// summarize flattens a validation error into its leaf messages
func summarize(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}

	var msgs []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			msgs = append(msgs, e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}
