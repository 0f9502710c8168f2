// Package validation checks request and callback bodies against embedded JSON schemas.
package validation

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/inaiurai/escrow/internal/apperr"
)

// Schema names, one per embedded schemas/<name>.json file.
const (
	CreateProject      = "create_project"
	CreateMilestone    = "create_milestone"
	SubmitDeliverable  = "submit_deliverable"
	RaiseDispute       = "raise_dispute"
	ResolveDispute     = "resolve_dispute"
	OracleResult       = "oracle_result"
	VerificationReport = "verification_report"
	ProcessDue         = "process_due"
	UpdateConfig       = "update_config"
	RoleChange         = "role_change"
	IssueToken         = "issue_token"
)

const schemaBaseURL = "https://escrow.inaiurai.dev/schemas/"

//go:embed schemas/*.json
var schemaFS embed.FS

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every embedded schema. Formats such as date-time are asserted.
func New() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if err := c.AddResource(schemaBaseURL+name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %q: %w", name, err)
		}
		names = append(names, name)
	}

	schemas := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		s, err := c.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		schemas[name] = s
	}
	return &Validator{schemas: schemas}, nil
}

// Names lists the compiled schemas in sorted order.
func (v *Validator) Names() []string {
	out := make([]string, 0, len(v.schemas))
	for name := range v.schemas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate checks body against the named schema. An empty body is validated as {}.
// Failures wrap apperr.ErrValidation.
func (v *Validator) Validate(name string, body []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var doc interface{}
	if len(bytes.TrimSpace(body)) == 0 {
		doc = map[string]interface{}{}
	} else {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return apperr.Validation("", "invalid JSON: %v", err)
		}
	}
	if err := schema.Validate(doc); err != nil {
		return apperr.Validation("", "%s", describe(err))
	}
	return nil
}

// describe flattens a schema validation error into one line per failing location.
func describe(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var msgs []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}
