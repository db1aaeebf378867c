package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/open-edge-platform/shrinkwrap/internal/config/schema"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"sigs.k8s.io/yaml"
)

const (
	configSchemaName     = "shrinkwrap-config.schema.json"
	descriptorSchemaName = "bundle-descriptor.schema.json"
)

var (
	compiledMu sync.Mutex
	compiled   = map[string]*jsonschema.Schema{}
)

// compile returns the schema at name plus ref, compiling it on first use.
func compile(name string, schemaBytes []byte, ref string) (*jsonschema.Schema, error) {
	target := name
	if ref != "" {
		if strings.HasPrefix(ref, "#") {
			target = name + ref
		} else {
			target = name + "#" + ref
		}
	}

	compiledMu.Lock()
	defer compiledMu.Unlock()
	if sch, ok := compiled[target]; ok {
		return sch, nil
	}

	comp := jsonschema.NewCompiler()
	if err := comp.AddResource(name, bytes.NewReader(schemaBytes)); err != nil {
		return nil, fmt.Errorf("loading schema %q: %w", name, err)
	}
	sch, err := comp.Compile(target)
	if err != nil {
		return nil, fmt.Errorf("compiling schema %q: %w", name, err)
	}
	compiled[target] = sch
	return sch, nil
}

// ValidateAgainstSchema runs the schema named name, or the subschema at ref,
// against the JSON in data. Compiled schemas are kept for the life of the
// process.
func ValidateAgainstSchema(name string, schemaBytes, data []byte, ref string) error {
	sch, err := compile(name, schemaBytes, ref)
	if err != nil {
		return err
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON for %q: %w", name, err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("schema validation against %q failed: %w", name, err)
	}
	return nil
}

// ValidateConfigJSON runs the config schema against data
func ValidateConfigJSON(data []byte) error {
	return ValidateAgainstSchema(configSchemaName, schema.ConfigSchema, data, "")
}

// ValidateDescriptorJSON runs the bundle descriptor schema against data
func ValidateDescriptorJSON(data []byte) error {
	return ValidateAgainstSchema(descriptorSchemaName, schema.DescriptorSchema, data, "")
}

// ValidateDescriptorYAML converts a bundle or overlay document to JSON and
// validates it.
func ValidateDescriptorYAML(data []byte) error {
	jsonData, err := yaml.YAMLToJSON(data)
	if err != nil {
		return fmt.Errorf("converting descriptor to JSON: %w", err)
	}
	return ValidateDescriptorJSON(jsonData)
}
