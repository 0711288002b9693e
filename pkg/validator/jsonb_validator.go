package validator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/medledger/internal/domain"
)

// FieldType names the JSON shape a payload field must have.
type FieldType string

const (
	FieldTypeString       FieldType = "STRING"
	FieldTypeInteger      FieldType = "INTEGER"
	FieldTypeFloat        FieldType = "FLOAT"
	FieldTypeBoolean      FieldType = "BOOLEAN"
	FieldTypeTimestamp    FieldType = "TIMESTAMP"
	FieldTypeJSON         FieldType = "JSON"
	FieldTypeReference    FieldType = "REFERENCE"
	FieldTypeEntityID     FieldType = "ENTITY_ID"
	FieldTypeEntityIDList FieldType = "ENTITY_ID_LIST"
)

// JSONBValidator handles validation of JSONB payloads against field definitions
type JSONBValidator struct{}

// NewJSONBValidator creates a new JSONB validator
func NewJSONBValidator() *JSONBValidator {
	return &JSONBValidator{}
}

// FieldDefinition represents a field definition for validation
type FieldDefinition struct {
	Type        FieldType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
	Validation  any       `json:"validation,omitempty"`
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	IsValid  bool              `json:"is_valid"`
	Errors   []ValidationError `json:"errors"`
	Warnings []ValidationError `json:"warnings"`
}

// ToError converts an invalid result into a domain validation error naming
// every offending field. It returns nil for valid results.
func (r ValidationResult) ToError(op string) error {
	if r.IsValid {
		return nil
	}
	fields := make([]string, 0, len(r.Errors))
	messages := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		fields = append(fields, e.Field)
		messages = append(messages, e.Message)
	}
	return domain.Validation(op, strings.Join(messages, "; "), fields...)
}

// ValidateProperties validates payload properties against field definitions.
// Fields are checked in name order so results are stable.
func (jv *JSONBValidator) ValidateProperties(properties map[string]any, fieldDefinitions map[string]FieldDefinition) ValidationResult {
	result := ValidationResult{
		IsValid:  true,
		Errors:   []ValidationError{},
		Warnings: []ValidationError{},
	}

	for _, fieldName := range sortedKeys(fieldDefinitions) {
		fieldDef := fieldDefinitions[fieldName]
		value, exists := properties[fieldName]

		if fieldDef.Required && (!exists || value == nil) {
			result.IsValid = false
			result.Errors = append(result.Errors, ValidationError{
				Field:   fieldName,
				Message: fmt.Sprintf("required field '%s' is missing", fieldName),
			})
			continue
		}

		if !exists || value == nil {
			continue
		}

		if err := jv.validateFieldType(fieldName, value, fieldDef.Type); err != nil {
			result.IsValid = false
			result.Errors = append(result.Errors, ValidationError{
				Field:   fieldName,
				Message: err.Error(),
				Value:   value,
			})
			continue
		}

		if fieldDef.Validation != nil {
			if err := jv.validateCustomRules(fieldName, value, fieldDef.Validation); err != nil {
				result.Warnings = append(result.Warnings, ValidationError{
					Field:   fieldName,
					Message: err.Error(),
					Value:   value,
				})
			}
		}
	}

	extra := make([]string, 0)
	for propertyName := range properties {
		if _, exists := fieldDefinitions[propertyName]; !exists {
			extra = append(extra, propertyName)
		}
	}
	sort.Strings(extra)
	for _, propertyName := range extra {
		result.IsValid = false
		result.Errors = append(result.Errors, ValidationError{
			Field:   propertyName,
			Message: fmt.Sprintf("property '%s' is not defined for this payload", propertyName),
			Value:   properties[propertyName],
		})
	}

	return result
}

// ValidateJSON decodes a JSON object payload and validates it.
func (jv *JSONBValidator) ValidateJSON(data []byte, fieldDefinitions map[string]FieldDefinition) (ValidationResult, error) {
	var properties map[string]any
	if err := json.Unmarshal(data, &properties); err != nil {
		return ValidationResult{}, fmt.Errorf("failed to decode payload: %w", err)
	}
	return jv.ValidateProperties(properties, fieldDefinitions), nil
}

// ForPayload returns a payload check for version stores: the payload is
// encoded to JSON and validated against fieldDefinitions.
func ForPayload[P any](fieldDefinitions map[string]FieldDefinition) func(P) error {
	jv := NewJSONBValidator()
	return func(payload P) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		result, err := jv.ValidateJSON(data, fieldDefinitions)
		if err != nil {
			return err
		}
		return result.ToError("validate payload")
	}
}

func normalizeFieldType(ft FieldType) FieldType {
	return FieldType(strings.ToUpper(string(ft)))
}

func (jv *JSONBValidator) validateFieldType(fieldName string, value any, expectedType FieldType) error {
	switch normalizeFieldType(expectedType) {
	case FieldTypeString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("field '%s' must be a string, got %T", fieldName, value)
		}
	case FieldTypeInteger:
		if !jv.isInteger(value) {
			return fmt.Errorf("field '%s' must be an integer, got %T", fieldName, value)
		}
	case FieldTypeFloat:
		if !jv.isFloat(value) {
			return fmt.Errorf("field '%s' must be a float, got %T", fieldName, value)
		}
	case FieldTypeBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("field '%s' must be a boolean, got %T", fieldName, value)
		}
	case FieldTypeTimestamp:
		switch v := value.(type) {
		case string:
			if _, err := time.Parse(time.RFC3339, v); err != nil {
				return fmt.Errorf("field '%s' must be a valid timestamp (RFC3339): %v", fieldName, err)
			}
		case time.Time:
		default:
			return fmt.Errorf("field '%s' must be a timestamp string, got %T", fieldName, value)
		}
	case FieldTypeJSON:
		if _, err := json.Marshal(value); err != nil {
			return fmt.Errorf("field '%s' contains invalid JSON: %v", fieldName, err)
		}
	case FieldTypeReference:
		strVal, ok := value.(string)
		if !ok {
			return fmt.Errorf("field '%s' must be a reference string, got %T", fieldName, value)
		}
		if strings.TrimSpace(strVal) == "" {
			return fmt.Errorf("field '%s' must be a non-empty reference string", fieldName)
		}
	case FieldTypeEntityID:
		if err := checkEntityID(fieldName, value); err != nil {
			return err
		}
	case FieldTypeEntityIDList:
		values, ok := value.([]any)
		if !ok {
			return fmt.Errorf("field '%s' must be an array of entity IDs, got %T", fieldName, value)
		}
		for _, item := range values {
			if err := checkEntityID(fieldName, item); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown field type: %s", expectedType)
	}

	return nil
}

func checkEntityID(fieldName string, value any) error {
	strVal, ok := value.(string)
	if !ok {
		return fmt.Errorf("field '%s' must be an entity ID string, got %T", fieldName, value)
	}
	if _, err := uuid.Parse(strings.TrimSpace(strVal)); err != nil {
		return fmt.Errorf("field '%s' must be a valid UUID string: %v", fieldName, err)
	}
	return nil
}

// validateCustomRules checks the optional min/max and length rules
func (jv *JSONBValidator) validateCustomRules(fieldName string, value any, rules any) error {
	rulesMap, ok := rules.(map[string]any)
	if !ok {
		return fmt.Errorf("validation rules must be a map")
	}

	if minVal, exists := rulesMap["min"]; exists {
		if !compareNumbers(value, minVal, func(v, limit float64) bool { return v >= limit }) {
			return fmt.Errorf("field '%s' value %v is less than minimum %v", fieldName, value, minVal)
		}
	}

	if maxVal, exists := rulesMap["max"]; exists {
		if !compareNumbers(value, maxVal, func(v, limit float64) bool { return v <= limit }) {
			return fmt.Errorf("field '%s' value %v is greater than maximum %v", fieldName, value, maxVal)
		}
	}

	if strVal, ok := value.(string); ok {
		if minLen, ok := toFloat(rulesMap["min_length"]); ok && float64(len(strVal)) < minLen {
			return fmt.Errorf("field '%s' length %d is less than minimum %v", fieldName, len(strVal), minLen)
		}
		if maxLen, ok := toFloat(rulesMap["max_length"]); ok && float64(len(strVal)) > maxLen {
			return fmt.Errorf("field '%s' length %d is greater than maximum %v", fieldName, len(strVal), maxLen)
		}
	}

	return nil
}

func (jv *JSONBValidator) isInteger(value any) bool {
	switch v := value.(type) {
	case int, int8, int16, int32, int64:
		return true
	case uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return v == float64(int64(v))
	case string:
		_, err := strconv.Atoi(v)
		return err == nil
	default:
		return false
	}
}

func (jv *JSONBValidator) isFloat(value any) bool {
	switch v := value.(type) {
	case float32, float64:
		return true
	case int, int8, int16, int32, int64:
		return true
	case uint, uint8, uint16, uint32, uint64:
		return true
	case string:
		_, err := strconv.ParseFloat(v, 64)
		return err == nil
	default:
		return false
	}
}

func compareNumbers(value, limit any, ok func(v, limit float64) bool) bool {
	v, isNum := toFloat(value)
	l, isLimit := toFloat(limit)
	if !isNum || !isLimit {
		return false
	}
	return ok(v, l)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func sortedKeys(defs map[string]FieldDefinition) []string {
	keys := make([]string, 0, len(defs))
	for k := range defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
