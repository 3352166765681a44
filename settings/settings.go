// Package settings loads engine settings documents. Documents arrive as
// JSON or YAML, are validated against a schema generated from the Go
// types, and leave as canonical JSON for the engine.
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/invopop/jsonschema"
	jsvalidate "github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrUnknownFormat is returned for a format name that is neither
	// json nor yaml.
	ErrUnknownFormat = errors.New("unknown settings format")

	// ErrInvalidDocument is returned when a document fails to parse or
	// violates the settings schema.
	ErrInvalidDocument = errors.New("invalid settings document")
)

// Format names a settings document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat normalizes a format name. "yml" is accepted for yaml.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Document is the full settings surface the engine accepts. Every
// section and field is optional; absent fields keep engine defaults.
type Document struct {
	Core    *Core    `json:"core,omitempty"`
	Trust   *Trust   `json:"trust,omitempty"`
	Verify  *Verify  `json:"verify,omitempty"`
	Builder *Builder `json:"builder,omitempty"`
}

// Core holds engine-wide knobs.
type Core struct {
	Debug             bool   `json:"debug,omitempty"`
	HashAlgorithm     string `json:"hash_alg,omitempty" jsonschema:"enum=sha256,enum=sha384,enum=sha512"`
	SaltJumbfBoxes    bool   `json:"salt_jumbf_boxes,omitempty"`
	CompressManifests bool   `json:"compress_manifests,omitempty"`
	MaxMemoryUsage    int    `json:"max_memory_usage,omitempty" jsonschema:"minimum=0"`
}

// Trust configures the certificate trust lists used during validation.
type Trust struct {
	UserAnchorsPEM  string `json:"user_anchors,omitempty"`
	TrustAnchorsPEM string `json:"trust_anchors,omitempty"`
	TrustConfig     string `json:"trust_config,omitempty"`
	AllowedListPEM  string `json:"allowed_list,omitempty"`
}

// Verify toggles validation behavior.
type Verify struct {
	VerifyAfterReading  bool `json:"verify_after_reading,omitempty"`
	VerifyAfterSign     bool `json:"verify_after_sign,omitempty"`
	VerifyTrust         bool `json:"verify_trust,omitempty"`
	OCSPFetch           bool `json:"ocsp_fetch,omitempty"`
	RemoteManifestFetch bool `json:"remote_manifest_fetch,omitempty"`
}

// Builder configures manifest construction defaults.
type Builder struct {
	AutoThumbnail  bool   `json:"auto_thumbnail,omitempty"`
	ClaimGenerator string `json:"claim_generator,omitempty"`
}

var (
	schemaOnce  sync.Once
	schemaJSON  []byte
	schemaState *jsvalidate.Schema
	schemaErr   error
)

// Schema returns the JSON Schema all documents are validated against.
func Schema() ([]byte, error) {
	compileSchema()
	return schemaJSON, schemaErr
}

func compileSchema() {
	schemaOnce.Do(func() {
		reflector := new(jsonschema.Reflector)
		reflector.ExpandedStruct = true

		schemaJSON, schemaErr = json.Marshal(reflector.Reflect(&Document{}))
		if schemaErr != nil {
			return
		}

		compiler := jsvalidate.NewCompiler()
		if schemaErr = compiler.AddResource("settings.schema.json", bytes.NewReader(schemaJSON)); schemaErr != nil {
			return
		}
		schemaState, schemaErr = compiler.Compile("settings.schema.json")
	})
}

// Load parses one settings document, validates it, and returns the
// canonical JSON form the engine consumes. Both formats of the same
// content yield byte-identical output.
func Load(doc []byte, format Format) ([]byte, error) {
	raw, err := toJSON(doc, format)
	if err != nil {
		return nil, err
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if _, ok := instance.(map[string]any); !ok {
		return nil, fmt.Errorf("%w: top level must be an object", ErrInvalidDocument)
	}

	compileSchema()
	if schemaErr != nil {
		return nil, schemaErr
	}
	if err := schemaState.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDocument, leafViolation(err))
	}

	canonical, err := json.Marshal(instance)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return canonical, nil
}

func toJSON(doc []byte, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return doc, nil
	case FormatYAML:
		raw, err := yaml.YAMLToJSON(doc)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// leafViolation digs out the most specific cause so the caller sees
// "core.debug: expected boolean" instead of the full failure tree.
func leafViolation(err error) string {
	var ve *jsvalidate.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := strings.TrimPrefix(ve.InstanceLocation, "/")
	if loc == "" {
		return ve.Message
	}
	return fmt.Sprintf("%s: %s", strings.ReplaceAll(loc, "/", "."), ve.Message)
}
