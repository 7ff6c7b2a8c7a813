package tasks

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed manifest.schema.json
var manifestSchemaJSON []byte

const manifestSchemaURL = "https://userbots.local/schemas/task-manifest.json"

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// ManifestNames are the file names recognised as task manifests.
var ManifestNames = []string{"task.yaml", "task.yml"}

// Manifest is the on-disk task declaration.
type Manifest struct {
	ID       string         `yaml:"id" json:"id,omitempty"`
	Label    string         `yaml:"label" json:"label,omitempty"`
	Kind     string         `yaml:"kind" json:"kind"`
	Params   map[string]any `yaml:"params" json:"params,omitempty"`
	Disabled bool           `yaml:"disabled" json:"disabled,omitempty"`
}

func compileManifestSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(manifestSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("tasks: parse manifest schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(manifestSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("tasks: add manifest schema: %w", err)
	}
	sch, err := c.Compile(manifestSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("tasks: compile manifest schema: %w", err)
	}
	return sch, nil
}

// readManifest decodes and validates the manifest at path. The task ID
// defaults to the directory name.
func readManifest(sch *jsonschema.Schema, path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Manifest{}, fmt.Errorf("parse yaml: %w", err)
	}
	if raw == nil {
		return Manifest{}, fmt.Errorf("empty manifest")
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return Manifest{}, fmt.Errorf("convert manifest: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return Manifest{}, fmt.Errorf("convert manifest: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return Manifest{}, fmt.Errorf("invalid manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		m.ID = filepath.Base(filepath.Dir(path))
	}
	if !idPattern.MatchString(m.ID) {
		return Manifest{}, fmt.Errorf("invalid task id %q", m.ID)
	}
	m.Kind = strings.TrimSpace(m.Kind)
	if m.Label == "" {
		m.Label = m.ID
	}
	return m, nil
}

func isManifest(name string) bool {
	for _, n := range ManifestNames {
		if name == n {
			return true
		}
	}
	return false
}
