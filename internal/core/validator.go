package core

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"fitpay/internal/types"
)

// Validator wraps go-playground/validator and translates its failures into
// AppErrors with per-field details.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	return &Validator{v: validator.New(validator.WithRequiredStructEnabled())}
}

// Struct validates dst against its validate tags.
func (val *Validator) Struct(dst any) error {
	err := val.v.Struct(dst)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return types.NewAppError(types.ErrCodeValidationInvalidField, "request validation failed", err)
	}
	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[strings.ToLower(fe.Field())] = "failed " + fe.Tag() + " check"
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField, "request validation failed", err, details)
}
