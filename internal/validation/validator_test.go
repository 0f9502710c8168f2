package validation

import (
	"errors"
	"testing"

	"github.com/inaiurai/escrow/internal/apperr"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestAllSchemasCompile(t *testing.T) {
	v := newTestValidator(t)
	want := []string{
		CreateMilestone, CreateProject, IssueToken, OracleResult, ProcessDue,
		RaiseDispute, ResolveDispute, RoleChange, SubmitDeliverable, UpdateConfig, VerificationReport,
	}
	got := v.Names()
	if len(got) != len(want) {
		t.Fatalf("schemas: got %v, want %d entries", got, len(want))
	}
	for _, name := range want {
		if _, ok := v.schemas[name]; !ok {
			t.Errorf("schema %q not compiled", name)
		}
	}
}

func TestValidate(t *testing.T) {
	v := newTestValidator(t)
	cases := []struct {
		name   string
		schema string
		body   string
		ok     bool
	}{
		{"project ok", CreateProject, `{"payee":"bob","title":"site","budget":1000}`, true},
		{"project zero budget", CreateProject, `{"payee":"bob","title":"site","budget":0}`, false},
		{"project fractional budget", CreateProject, `{"payee":"bob","title":"site","budget":10.5}`, false},
		{"project unknown field", CreateProject, `{"payee":"bob","title":"x","budget":1,"extra":true}`, false},
		{"milestone ok", CreateMilestone, `{"amount":200,"description":"design","deadline":"2026-12-01T00:00:00Z"}`, true},
		{"milestone bad deadline", CreateMilestone, `{"amount":200,"description":"design","deadline":"next week"}`, false},
		{"milestone missing amount", CreateMilestone, `{"description":"design","deadline":"2026-12-01T00:00:00Z"}`, false},
		{"deliverable empty", SubmitDeliverable, `{"deliverable":""}`, false},
		{"oracle ok", OracleResult, `{"passed":true}`, true},
		{"oracle string", OracleResult, `{"passed":"yes"}`, false},
		{"report ok", VerificationReport, `{"score":85,"passed":true,"report":"ipfs://r"}`, true},
		{"report score too high", VerificationReport, `{"score":101,"passed":true}`, false},
		{"process due empty body", ProcessDue, ``, true},
		{"process due ids", ProcessDue, `{"milestone_ids":[1,2,3]}`, true},
		{"process due zero id", ProcessDue, `{"milestone_ids":[0]}`, false},
		{"config window", UpdateConfig, `{"dispute_window":"36h"}`, true},
		{"config bad window", UpdateConfig, `{"dispute_window":"a day"}`, false},
		{"config empty", UpdateConfig, `{}`, false},
		{"config bad method", UpdateConfig, `{"verification_method":"vote"}`, false},
		{"role admin rejected", RoleChange, `{"role":"admin","address":"eve"}`, false},
		{"role ok", RoleChange, `{"role":"oracle","address":"o-1"}`, true},
		{"not json", CreateProject, `{`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.schema, []byte(tc.body))
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got: %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("expected validation error, got nil")
				}
				if !errors.Is(err, apperr.ErrValidation) {
					t.Errorf("expected ErrValidation, got %v", err)
				}
			}
		})
	}
}

func TestValidateUnknownSchema(t *testing.T) {
	v := newTestValidator(t)
	err := v.Validate("nope", []byte(`{}`))
	if err == nil || errors.Is(err, apperr.ErrValidation) {
		t.Errorf("unknown schema: got %v, want a non-validation error", err)
	}
}
