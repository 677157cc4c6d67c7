package core

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"crewbase/internal/types"
)

// Validator wraps go-playground/validator with the domain tags handlers use
// in request structs: plan_tier, billing_cycle and resource_type.
type Validator struct {
	v *validator.Validate
}

// NewValidator builds the validator and registers the domain tags. Tag
// registration only fails for empty names, so errors here are programmer
// mistakes and panic at startup.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	must(v.RegisterValidation("plan_tier", func(fl validator.FieldLevel) bool {
		return types.PlanTier(fl.Field().String()).Valid()
	}))
	must(v.RegisterValidation("billing_cycle", func(fl validator.FieldLevel) bool {
		return types.BillingCycle(fl.Field().String()).Valid()
	}))
	must(v.RegisterValidation("resource_type", func(fl validator.FieldLevel) bool {
		return types.ResourceType(fl.Field().String()).Valid()
	}))

	return &Validator{v: v}
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// ValidateStruct validates a request struct and translates the first failure
// into a client-facing AppError.
func (vl *Validator) ValidateStruct(s interface{}) error {
	err := vl.v.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return types.NewAppError(types.ErrCodeValidationMissingField, "invalid request", err)
	}

	fe := fieldErrs[0]
	field := strings.ToLower(fe.Field())

	switch fe.Tag() {
	case "plan_tier":
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPlan,
			"unknown plan tier",
			err,
			map[string]any{"field": field, "value": fe.Value()},
		)
	case "billing_cycle":
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidCycle,
			"unknown billing cycle",
			err,
			map[string]any{"field": field, "value": fe.Value()},
		)
	case "required":
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			"missing required field: "+field,
			err,
			map[string]any{"field": field},
		)
	default:
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			"invalid value for field: "+field,
			err,
			map[string]any{"field": field, "rule": fe.Tag()},
		)
	}
}
