package store

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tailscale/hujson"
)

// DefaultContentType is served for entries whose metadata does not name one
const DefaultContentType = "application/json"

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://gitkv.stacklok.dev/"

// MetaData is the per-key policy stored in the metadata sidecar
type MetaData struct {
	// ContentType is the media type of the content
	ContentType string `json:"contentType,omitempty"`
	// Protected entries can be read and deleted but never modified
	Protected bool `json:"protected"`
	// Hidden entries are treated as absent
	Hidden bool `json:"hidden"`
	// Headers are extra response headers declared for the entry
	Headers []HeaderPair `json:"headers,omitempty"`
	// Read and Write list the roles granted access to the entry
	Read  []Role `json:"read,omitempty"`
	Write []Role `json:"write,omitempty"`
	// Users is the legacy per-key user list
	Users []LegacyUser `json:"users,omitempty"`
}

// HeaderPair is a declared response header
type HeaderPair struct {
	Header string `json:"header"`
	Value  string `json:"value"`
}

// Role is a named grant
type Role struct {
	Role string `json:"role"`
}

// LegacyUser is a user embedded directly in key metadata
type LegacyUser struct {
	User     string `json:"user"`
	Password string `json:"password,omitempty"`
}

// GetContentType returns the content type, defaulting to DefaultContentType
func (m *MetaData) GetContentType() string {
	if m == nil || m.ContentType == "" {
		return DefaultContentType
	}
	return m.ContentType
}

// ParseMetaData reads and validates a metadata document. The document may
// contain comments and trailing commas.
func ParseMetaData(r io.Reader) (*MetaData, error) {
	schema, err := metadataSchema()
	if err != nil {
		return nil, err
	}
	var md MetaData
	if err := parseDocument(r, schema, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// MarshalMetaData encodes metadata the way it is persisted
func MarshalMetaData(md *MetaData) ([]byte, error) {
	if md == nil {
		return nil, fmt.Errorf("metadata cannot be nil")
	}
	return json.MarshalIndent(md, "", "  ")
}

var (
	metadataSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
		return compileSchema("schemas/metadata.schema.json")
	})
	userSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
		return compileSchema("schemas/user.schema.json")
	})
)

func compileSchema(name string) (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema %s: %w", name, err)
	}
	url := schemaBaseURL + name
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	return schema, nil
}

// parseDocument standardizes a JWCC document, checks it against schema and
// decodes it into v. Every failure is reported as *MalformedMetadataError.
func parseDocument(r io.Reader, schema *jsonschema.Schema, v any) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	// Standardize replaces comments and trailing commas with whitespace, so
	// byte offsets into std are offsets into raw as well.
	std, err := hujson.Standardize(raw)
	if err != nil {
		line, column := 0, 0
		_, _ = fmt.Sscanf(err.Error(), "hujson: line %d, column %d:", &line, &column)
		return &MalformedMetadataError{Line: line, Column: column, Err: err}
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(std))
	if err != nil {
		return &MalformedMetadataError{Err: err}
	}
	if err := schema.Validate(instance); err != nil {
		return &MalformedMetadataError{Err: err}
	}

	if err := json.Unmarshal(std, v); err != nil {
		line, column := 0, 0
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			line, column = position(std, typeErr.Offset)
		}
		return &MalformedMetadataError{Line: line, Column: column, Err: err}
	}
	return nil
}

// position converts a byte offset into a 1-based line and column
func position(data []byte, offset int64) (int, int) {
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	line, column := 1, 1
	for _, b := range data[:offset] {
		if b == '\n' {
			line++
			column = 1
			continue
		}
		column++
	}
	return line, column
}
