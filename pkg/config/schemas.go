package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/openfroyo/towerconf/pkg/tower"
)

// SchemaRegistry holds compiled CUE schemas. Each schema source must define
// a definition with the same name as the schema, e.g. "#Settings".
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("Settings", settingsSchema()); err != nil {
		panic(err)
	}
	return sr
}

var (
	defaultSchemas     *SchemaRegistry
	defaultSchemasOnce sync.Once
)

// DefaultSchemas returns a shared registry with the built-in schemas.
func DefaultSchemas() *SchemaRegistry {
	defaultSchemasOnce.Do(func() {
		defaultSchemas = NewSchemaRegistry()
	})
	return defaultSchemas
}

// RegisterSchema compiles schema and stores the definition #name from it.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath("#" + name))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define #%s", name, name)
	}

	sr.schemas[name] = def
	return nil
}

// ValidateAgainstSchema unifies data with a named schema and requires the
// result to be concrete. Validations are serialized on the registry lock.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateSettings checks s against the #Settings schema.
func (sr *SchemaRegistry) ValidateSettings(s *Settings) error {
	if err := sr.ValidateAgainstSchema("Settings", s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func settingsSchema() string {
	platforms := make([]string, len(tower.RecognizedPlatforms))
	for i, p := range tower.RecognizedPlatforms {
		platforms[i] = strconv.Quote(p)
	}
	return fmt.Sprintf(settingsSchemaTemplate, strings.Join(platforms, " | "))
}

const settingsSchemaTemplate = `
#Platform: %s

#Settings: {
	command: "setup" | "clean" | "plan"
	method?: "ssh" | "agent"

	// host name with an optional port, no scheme
	server: string & =~"^[A-Za-z0-9]([A-Za-z0-9.-]*[A-Za-z0-9])?(:[0-9]{1,5})?$"

	node:      string & !=""
	platform?: #Platform

	days:        int & >=1 & <=3650
	concurrency: int & >=1 & <=100

	trace_exporter: "none" | "stdout" | "otlp"
	if trace_exporter == "otlp" {
		trace_endpoint: string & !=""
	}

	if command == "setup" {
		platform:   #Platform
		launch_dir: string & !=""
	}

	...
}
`
