// Package registry loads and validates the declarative catalog of remote
// model endpoints. The catalog is pure data: a JSON array of model
// definitions, each describing one endpoint, its parameter schema, and the
// kind of media it produces.
package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/runninghub/openapi-go/apierrors"
)

// OutputKind identifies the media kind a model produces.
type OutputKind string

const (
	OutputImage   OutputKind = "image"
	OutputVideo   OutputKind = "video"
	OutputAudio   OutputKind = "audio"
	OutputModel3D OutputKind = "model3d"
)

// Known reports whether k is a recognized output kind.
func (k OutputKind) Known() bool {
	switch k {
	case OutputImage, OutputVideo, OutputAudio, OutputModel3D:
		return true
	}
	return false
}

// ParamType identifies the value type of a model parameter.
type ParamType string

const (
	ParamString   ParamType = "string"
	ParamNumber   ParamType = "number"
	ParamBoolean  ParamType = "boolean"
	ParamEnum     ParamType = "enum"
	ParamMediaRef ParamType = "mediaRef"
)

// Known reports whether t is a recognized parameter type.
func (t ParamType) Known() bool {
	switch t {
	case ParamString, ParamNumber, ParamBoolean, ParamEnum, ParamMediaRef:
		return true
	}
	return false
}

// ParameterSpec describes one input parameter of a model endpoint.
type ParameterSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`

	// EnumValues lists the allowed literals for type "enum".
	EnumValues []string `json:"enumValues,omitempty"`

	// Default is applied when an optional parameter is omitted.
	Default any `json:"default,omitempty"`

	// Multiple marks a mediaRef parameter whose wire value is an array of
	// uploaded URLs rather than a single URL.
	Multiple bool `json:"multiple,omitempty"`
}

// ModelDefinition describes one remote model endpoint. Immutable once
// loaded; identity is the endpoint path.
type ModelDefinition struct {
	Name       string          `json:"name"`
	Endpoint   string          `json:"endpoint"`
	URL        string          `json:"url,omitempty"` // provenance, advisory only
	OutputKind OutputKind      `json:"outputKind"`
	Params     []ParameterSpec `json:"params"`
}

// Param returns the spec for a parameter name, or nil.
func (d *ModelDefinition) Param(name string) *ParameterSpec {
	for i := range d.Params {
		if d.Params[i].Name == name {
			return &d.Params[i]
		}
	}
	return nil
}

// Load reads and validates a registry document. Loading is side-effect-free
// and idempotent: the same bytes always yield structurally equal definitions.
func Load(r io.Reader) ([]ModelDefinition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindRegistry, "read registry source", err)
	}
	return LoadBytes(data)
}

// LoadBytes parses and validates a registry document from memory.
func LoadBytes(data []byte) ([]ModelDefinition, error) {
	var defs []ModelDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, apierrors.Wrap(apierrors.KindRegistry, "registry is not a valid JSON array of model definitions", err)
	}
	if err := Validate(defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// Validate checks a loaded catalog eagerly so that factory-time surprises are
// impossible for well-formed registries.
func Validate(defs []ModelDefinition) error {
	seen := make(map[string]int, len(defs))
	for i, def := range defs {
		where := fmt.Sprintf("registry[%d]", i)
		if def.Name != "" {
			where = fmt.Sprintf("%s (%s)", where, def.Name)
		}

		if strings.TrimSpace(def.Name) == "" {
			return apierrors.Newf(apierrors.KindRegistry, "%s: missing required field %q", where, "name")
		}
		if strings.TrimSpace(def.Endpoint) == "" {
			return apierrors.Newf(apierrors.KindRegistry, "%s: missing required field %q", where, "endpoint")
		}
		if def.OutputKind == "" {
			return apierrors.Newf(apierrors.KindRegistry, "%s: missing required field %q", where, "outputKind")
		}
		if prev, dup := seen[def.Endpoint]; dup {
			return apierrors.Newf(apierrors.KindRegistry,
				"%s: duplicate endpoint %q (already defined by registry[%d])", where, def.Endpoint, prev)
		}
		seen[def.Endpoint] = i

		for _, p := range def.Params {
			if strings.TrimSpace(p.Name) == "" {
				return apierrors.Newf(apierrors.KindRegistry, "%s: parameter with empty name", where)
			}
			if p.Type == "" {
				return apierrors.Newf(apierrors.KindRegistry, "%s: parameter %q missing required field %q", where, p.Name, "type")
			}
			if p.Type == ParamEnum && len(p.EnumValues) == 0 {
				return apierrors.Newf(apierrors.KindRegistry, "%s: enum parameter %q has empty enumValues", where, p.Name)
			}
			if p.Multiple && p.Type != ParamMediaRef {
				return apierrors.Newf(apierrors.KindRegistry, "%s: parameter %q: multiple is only valid for mediaRef", where, p.Name)
			}
		}
	}
	return nil
}
