// Package templates loads render templates and validates job input against
// each template version's declared JSON schema.
package templates

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/reelcast/backend/internal/apperr"
)

var (
	ErrUnknownTemplate = errors.New("unknown template")
	ErrUnknownVersion  = errors.New("unknown template version")
)

// Template is one immutable template version.
type Template struct {
	ID              string `json:"template_id"`
	Version         int    `json:"version"`
	Title           string `json:"title"`
	DurationSeconds int    `json:"duration_seconds"`

	schema *jsonschema.Schema
}

type file struct {
	Template
	InputSchema json.RawMessage `json:"input_schema"`
}

// Registry holds every template version found at load time.
type Registry struct {
	byID map[string]map[int]*Template
}

// NewRegistry compiles every *.json file at the root of fsys.
func NewRegistry(fsys fs.FS) (*Registry, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}
	reg := &Registry{byID: make(map[string]map[int]*Template)}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		var f file
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse %q: %w", e.Name(), err)
		}
		if f.ID == "" || f.Version < 1 || len(f.InputSchema) == 0 {
			return nil, fmt.Errorf("%q: template_id, version and input_schema are required", e.Name())
		}
		url := fmt.Sprintf("https://schemas.reelcast.dev/templates/%s/v%d/input", f.ID, f.Version)
		c := jsonschema.NewCompiler()
		c.AssertFormat = true
		if err := c.AddResource(url, bytes.NewReader(f.InputSchema)); err != nil {
			return nil, fmt.Errorf("load input schema %s v%d: %w", f.ID, f.Version, err)
		}
		f.schema, err = c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile input schema %s v%d: %w", f.ID, f.Version, err)
		}
		versions := reg.byID[f.ID]
		if versions == nil {
			versions = make(map[int]*Template)
			reg.byID[f.ID] = versions
		}
		if _, dup := versions[f.Version]; dup {
			return nil, fmt.Errorf("%q: duplicate %s v%d", e.Name(), f.ID, f.Version)
		}
		t := f.Template
		versions[f.Version] = &t
	}
	return reg, nil
}

// Resolve returns the requested template version. Version 0 selects the latest.
func (r *Registry) Resolve(id string, version int) (*Template, error) {
	versions, ok := r.byID[id]
	if !ok {
		return nil, ErrUnknownTemplate
	}
	if version == 0 {
		for v := range versions {
			if v > version {
				version = v
			}
		}
	}
	t, ok := versions[version]
	if !ok {
		return nil, ErrUnknownVersion
	}
	return t, nil
}

// List returns every template version ordered by id then version.
func (r *Registry) List() []Template {
	out := []Template{}
	for _, versions := range r.byID {
		for _, t := range versions {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Validate checks input against the template's schema and returns every
// failing field. A nil result means the input is acceptable.
func (t *Template) Validate(input json.RawMessage) []apperr.FieldError {
	var doc interface{}
	if err := json.Unmarshal(input, &doc); err != nil {
		return []apperr.FieldError{{Field: "input", Message: "must be valid JSON"}}
	}
	err := t.schema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []apperr.FieldError{{Field: "input", Message: err.Error()}}
	}
	var fields []apperr.FieldError
	collect(ve, &fields)
	return fields
}

var quoted = regexp.MustCompile(`'([^']*)'`)

func collect(ve *jsonschema.ValidationError, out *[]apperr.FieldError) {
	if len(ve.Causes) > 0 {
		for _, c := range ve.Causes {
			collect(c, out)
		}
		return
	}
	base := fieldPath(ve.InstanceLocation)
	switch {
	case strings.HasSuffix(ve.KeywordLocation, "/required"):
		for _, m := range quoted.FindAllStringSubmatch(ve.Message, -1) {
			*out = append(*out, apperr.FieldError{Field: base + "." + m[1], Message: "is required"})
		}
	case strings.HasSuffix(ve.KeywordLocation, "/additionalProperties"):
		for _, m := range quoted.FindAllStringSubmatch(ve.Message, -1) {
			*out = append(*out, apperr.FieldError{Field: base + "." + m[1], Message: "is not allowed"})
		}
	default:
		*out = append(*out, apperr.FieldError{Field: base, Message: ve.Message})
	}
}

// fieldPath turns a JSON pointer such as /captions/0/text into input.captions.0.text.
func fieldPath(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "#")
	if pointer == "" || pointer == "/" {
		return "input"
	}
	return "input" + strings.ReplaceAll(pointer, "/", ".")
}
