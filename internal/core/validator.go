package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"creditengine/internal/types"
)

// Validator wraps go-playground/validator and translates field errors into
// the engine's AppError shape so handlers return consistent 400 bodies.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator configured to report JSON field names
// rather than Go struct field names.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &Validator{validate: v, logger: logger}
}

// ValidateStruct runs struct-tag validation on dst and returns a
// validation_missing_required_field AppError carrying per-field details.
func (v *Validator) ValidateStruct(dst any) error {
	err := v.validate.Struct(dst)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			"request validation failed", err)
	}

	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describeFieldError(fe)
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
		"request failed validation", err, map[string]any{"fields": fields})
}

// describeFieldError renders one rule violation as a short client-safe hint.
func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return "failed rule: " + fe.Tag()
	}
}
