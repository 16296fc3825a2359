package validator

import (
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	ierr "github.com/ent0n29/taskapp/internal/errors"
)

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Violation describes one rejected field.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidateRequest runs struct tag validation and marks failures as
// ErrInvalidArgument with per-field details.
func ValidateRequest(req any) error {
	if err := validate.Struct(req); err != nil {
		details := make(map[string]any)
		var validateErrs validator.ValidationErrors
		if ierr.As(err, &validateErrs) {
			for _, fe := range validateErrs {
				details[fieldName(fe)] = describe(fe)
			}
		}
		return ierr.WithError(err).
			WithHint("Request validation failed").
			WithReportableDetails(details).
			Mark(ierr.ErrInvalidArgument)
	}
	return nil
}

// Violations flattens the details of a validation error into a stable list.
func Violations(err error) []Violation {
	details := ierr.ReportableDetails(err)
	if len(details) == 0 {
		return nil
	}
	out := make([]Violation, 0, len(details))
	for field, msg := range details {
		s, ok := msg.(string)
		if !ok {
			continue
		}
		out = append(out, Violation{Field: field, Message: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func fieldName(fe validator.FieldError) string {
	name := fe.Field()
	if name == "" {
		return ""
	}
	return strings.ToLower(name[:1]) + name[1:]
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return "must not be blank"
	case "max":
		return "size must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return fe.Error()
	}
}
