package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/jwalitptl/syncqueue/pkg/errors"
)

// Validator provides validation functionality
type Validator interface {
	Validate(interface{}) error
}

type structValidator struct {
	once     sync.Once
	validate *validator.Validate
}

func New() Validator {
	return &structValidator{}
}

func (v *structValidator) lazyinit() {
	v.once.Do(func() {
		v.validate = validator.New(validator.WithRequiredStructEnabled())
		RegisterTagNames(v.validate)
	})
}

// RegisterTagNames makes field errors report json (or mapstructure) names
// instead of Go field names.
func RegisterTagNames(v *validator.Validate) {
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"json", "mapstructure"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return fld.Name
	})
}

// Validate returns a VALIDATION_ERROR for the first failing field.
func (v *structValidator) Validate(obj interface{}) error {
	v.lazyinit()

	err := v.validate.Struct(obj)
	if err == nil {
		return nil
	}

	errs, ok := err.(validator.ValidationErrors)
	if !ok || len(errs) == 0 {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid input", err)
	}

	first := errs[0]
	return apperrors.Validation(first.Namespace(), message(first))
}

// FromBindError converts a request binding failure into a VALIDATION_ERROR
// naming the offending field when one is known.
func FromBindError(err error) *apperrors.AppError {
	var errs validator.ValidationErrors
	if errors.As(err, &errs) && len(errs) > 0 {
		return apperrors.Validation(errs[0].Field(), message(errs[0]))
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return apperrors.Validation(typeErr.Field, fmt.Sprintf("%s has the wrong type", typeErr.Field))
	}
	return apperrors.Validation("", "malformed request body")
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must not exceed %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", fe.Field())
	case "uuid":
		return fmt.Sprintf("%s must be a UUID", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
