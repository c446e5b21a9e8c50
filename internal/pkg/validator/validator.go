package validator

import (
	"context"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator instance
var validate *validator.Validate

var paymentMethods = map[string]bool{"card": true, "paypal": true}

type planCodesKey struct{}

// WithPlanCodes attaches the plan codes accepted by the plan_code tag for
// validations run with ctx.
func WithPlanCodes(ctx context.Context, codes ...string) context.Context {
	set := make(map[string]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return context.WithValue(ctx, planCodesKey{}, set)
}

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations()
}

func registerCustomValidations() {
	// Without codes on the context no plan is accepted.
	validate.RegisterValidationCtx("plan_code", func(ctx context.Context, fl validator.FieldLevel) bool {
		codes, _ := ctx.Value(planCodesKey{}).(map[string]bool)
		return codes[fl.Field().String()]
	})

	validate.RegisterValidation("payment_method", func(fl validator.FieldLevel) bool {
		return paymentMethods[fl.Field().String()]
	})
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	return ValidateCtx(context.Background(), s)
}

// ValidateCtx is Validate with ctx passed to context-aware tags such as plan_code.
func ValidateCtx(ctx context.Context, s interface{}) map[string]string {
	err := validate.StructCtx(ctx, s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !asValidationErrors(err, &verrs) {
		return map[string]string{"_": err.Error()}
	}

	errors := make(map[string]string)
	for _, err := range verrs {
		field := err.Field()
		switch err.Tag() {
		case "required":
			errors[field] = "This field is required"
		case "min":
			errors[field] = "Value is too short (min: " + err.Param() + ")"
		case "max":
			errors[field] = "Value is too long (max: " + err.Param() + ")"
		case "gt":
			errors[field] = "Value must be greater than " + err.Param()
		case "gte":
			errors[field] = "Value must be at least " + err.Param()
		case "lte":
			errors[field] = "Value must be at most " + err.Param()
		case "plan_code":
			errors[field] = "Unknown plan code"
		case "payment_method":
			errors[field] = "Invalid payment method. Must be: card or paypal"
		default:
			errors[field] = "Invalid value"
		}
	}

	return errors
}

func asValidationErrors(err error, out *validator.ValidationErrors) bool {
	v, ok := err.(validator.ValidationErrors)
	if ok {
		*out = v
	}
	return ok
}
