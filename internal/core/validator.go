package core

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"lumina/internal/types"
)

// Validator wraps go-playground/validator and translates validation failures
// into the standard AppError shape with per-field details.
type Validator struct {
	v *validator.Validate
}

// NewValidator creates a Validator with struct-tag validation enabled.
func NewValidator() *Validator {
	return &Validator{v: validator.New(validator.WithRequiredStructEnabled())}
}

// ValidateStruct validates the struct tags on s. On failure it returns a
// *types.AppError with code validation_missing_required_field and a
// field -> failed-rule map in the details.
func (val *Validator) ValidateStruct(s any) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
	}

	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = fe.Tag()
	}

	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationMissingField,
		"request validation failed",
		err,
		details,
	)
}
