package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaResource is the resource name the schema is registered under.
const schemaResource = "config.schema.json"

// ValidateFile reads the schema at schemaPath and validates the document.
// Problems with the schema itself are reported as warnings too.
func ValidateFile(doc *Document, schemaPath string) []string {
	data, err := os.ReadFile(filepath.Clean(schemaPath))
	if err != nil {
		return []string{fmt.Sprintf("read schema: %v", err)}
	}

	return Validate(doc, data)
}

// Validate checks the document against a JSON schema and returns one warning
// per violation. An empty result means the document conforms.
func Validate(doc *Document, schema []byte) []string {
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return []string{fmt.Sprintf("parse schema: %v", err)}
	}

	compiler := jsonschema.NewCompiler()
	if err = compiler.AddResource(schemaResource, schemaDoc); err != nil {
		return []string{fmt.Sprintf("load schema: %v", err)}
	}

	compiled, err := compiler.Compile(schemaResource)
	if err != nil {
		return []string{fmt.Sprintf("compile schema: %v", err)}
	}

	// The tree is re-encoded so numbers reach the validator the way it expects them.
	encoded, err := json.Marshal(doc.Tree())
	if err != nil {
		return []string{fmt.Sprintf("encode configuration: %v", err)}
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return []string{fmt.Sprintf("decode configuration: %v", err)}
	}

	if err = compiled.Validate(instance); err != nil {
		return splitViolations(err.Error())
	}

	return nil
}

// splitViolations turns the multi-line validator message into one warning per cause.
func splitViolations(message string) []string {
	var violations []string

	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimSpace(line)
		if after, found := strings.CutPrefix(line, "- "); found {
			violations = append(violations, after)
		}
	}

	if len(violations) == 0 {
		return []string{strings.TrimSpace(message)}
	}

	return violations
}
