package validator

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/rpattn/medledger/internal/domain"
)

func TestJSONBValidatorReferenceField(t *testing.T) {
	v := NewJSONBValidator()

	definitions := map[string]FieldDefinition{
		"reference": {
			Type:     FieldTypeReference,
			Required: true,
		},
	}

	result := v.ValidateProperties(map[string]any{"reference": ""}, definitions)
	if result.IsValid {
		t.Fatalf("expected reference field to reject empty string")
	}

	result = v.ValidateProperties(map[string]any{"reference": "   "}, definitions)
	if result.IsValid {
		t.Fatalf("expected reference field to reject whitespace value")
	}

	result = v.ValidateProperties(map[string]any{"reference": "NDC-0409-1890"}, definitions)
	if !result.IsValid {
		t.Fatalf("expected reference field to accept non-empty string, got errors: %+v", result.Errors)
	}
}

func TestJSONBValidatorRequiredAndUnknownFields(t *testing.T) {
	v := NewJSONBValidator()
	definitions := map[string]FieldDefinition{
		"name":  {Type: FieldTypeString, Required: true},
		"units": {Type: FieldTypeInteger},
	}

	result := v.ValidateProperties(map[string]any{"units": 2.5, "colour": "red"}, definitions)
	if result.IsValid {
		t.Fatalf("expected invalid result")
	}
	want := []string{"name", "units", "colour"}
	if len(result.Errors) != len(want) {
		t.Fatalf("expected %d errors, got %+v", len(want), result.Errors)
	}
	for i, field := range want {
		if result.Errors[i].Field != field {
			t.Fatalf("expected error %d on %q, got %q", i, field, result.Errors[i].Field)
		}
	}
}

func TestJSONBValidatorEntityIDList(t *testing.T) {
	v := NewJSONBValidator()
	definitions := map[string]FieldDefinition{"areas": {Type: FieldTypeEntityIDList}}

	ok := v.ValidateProperties(map[string]any{"areas": []any{uuid.NewString()}}, definitions)
	if !ok.IsValid {
		t.Fatalf("expected uuid list to validate, got %+v", ok.Errors)
	}
	bad := v.ValidateProperties(map[string]any{"areas": []any{"ward-3"}}, definitions)
	if bad.IsValid {
		t.Fatalf("expected non-uuid entry to be rejected")
	}
}

func TestJSONBValidatorCustomRulesWarn(t *testing.T) {
	v := NewJSONBValidator()
	definitions := map[string]FieldDefinition{
		"max_dose": {Type: FieldTypeFloat, Validation: map[string]any{"min": 0.0, "max": 100.0}},
	}

	result := v.ValidateProperties(map[string]any{"max_dose": 250.0}, definitions)
	if !result.IsValid {
		t.Fatalf("expected custom rules to warn only, got errors: %+v", result.Errors)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Field != "max_dose" {
		t.Fatalf("expected one max_dose warning, got %+v", result.Warnings)
	}
}

type formulary struct {
	Name  string `json:"name"`
	Units int    `json:"units"`
}

func TestForPayloadReturnsDomainValidation(t *testing.T) {
	check := ForPayload[formulary](map[string]FieldDefinition{
		"name":  {Type: FieldTypeReference, Required: true},
		"units": {Type: FieldTypeInteger, Required: true},
	})

	if err := check(formulary{Name: "Heparin", Units: 5000}); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}

	err := check(formulary{Name: " ", Units: 5000})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var de *domain.Error
	if !errors.As(err, &de) || len(de.Fields) != 1 || de.Fields[0] != "name" {
		t.Fatalf("expected error to name the name field, got %+v", de)
	}
}
