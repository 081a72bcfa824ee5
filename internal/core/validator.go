package core

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"tollgate/internal/types"
)

// Validator checks decoded request bodies against their `validate` tags and
// reports failures by JSON field name.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return &Validator{v: v}
}

// Struct returns nil or an AppError whose details map each failing field to
// the rule it broke.
func (v *Validator) Struct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "invalid request body", err)
	}

	fields := make(map[string]any, len(verrs))
	code := types.ErrCodeValidationInvalidBody
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
		if fe.Tag() == "required" {
			code = types.ErrCodeValidationMissingField
		}
	}
	return types.NewAppErrorWithDetails(code, "request body failed validation", nil, map[string]any{"fields": fields})
}

// DecodeAndValidate is DecodeJSON followed by Struct.
func (v *Validator) DecodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := DecodeJSON(w, r, dst); err != nil {
		return err
	}
	return v.Struct(dst)
}
