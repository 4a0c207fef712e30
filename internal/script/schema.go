package script

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// declSchemas holds one compiled JSON Schema per declaration kind,
// validating the decoded Lua declaration table before the registry
// attempts structural resolution (SPEC_FULL §10, §15).
type declSchemas struct {
	task *jsonschema.Schema
	env  *jsonschema.Schema
	tool *jsonschema.Schema
}

const taskSchemaDoc = `{
  "type": "object",
  "properties": {
    "actions": {"type": "array"},
    "clean_actions": {"type": "array"},
    "env": {"type": "string"},
    "deps": {
      "type": "object",
      "properties": {
        "files": {"type": "array", "items": {"type": "string"}},
        "tasks": {"type": "array", "items": {"type": "string"}},
        "vars": {"type": "array", "items": {"type": "string"}},
        "calc": {"type": "array", "items": {"type": "string"}}
      }
    },
    "artifacts": {
      "type": "object",
      "properties": {
        "files": {"type": "array", "items": {"type": "string"}},
        "calc": {"type": "array", "items": {"type": "string"}}
      }
    },
    "always_run": {"type": "boolean"},
    "interactive": {"type": "boolean"},
    "default": {"type": "boolean"},
    "stdout": {"type": "string", "enum": ["always", "never", "on_fail"]},
    "stderr": {"type": "string", "enum": ["always", "never", "on_fail"]}
  }
}`

const envSchemaDoc = `{
  "type": "object",
  "required": ["setup_task", "action"],
  "properties": {
    "setup_task": {},
    "action": {}
  }
}`

const toolSchemaDoc = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {},
    "check": {},
    "backend": {"type": "string", "enum": ["native", "docker", "wasm"]}
  }
}`

func loadDeclSchemas() (*declSchemas, error) {
	compile := func(name, doc string) (*jsonschema.Schema, error) {
		decoded, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("decoding schema %s: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		url := "mem://" + name + ".schema.json"
		if err := c.AddResource(url, decoded); err != nil {
			return nil, fmt.Errorf("adding schema resource %s: %w", name, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compiling schema %s: %w", name, err)
		}
		return s, nil
	}

	task, err := compile("task", taskSchemaDoc)
	if err != nil {
		return nil, err
	}
	env, err := compile("env", envSchemaDoc)
	if err != nil {
		return nil, err
	}
	tool, err := compile("tool", toolSchemaDoc)
	if err != nil {
		return nil, err
	}
	return &declSchemas{task: task, env: env, tool: tool}, nil
}

func (s *declSchemas) validate(kind string, v any) error {
	var schema *jsonschema.Schema
	switch kind {
	case "task":
		schema = s.task
	case "env":
		schema = s.env
	case "tool":
		schema = s.tool
	default:
		return fmt.Errorf("unknown declaration kind %q", kind)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%s declaration failed validation: %w", kind, err)
	}
	return nil
}
