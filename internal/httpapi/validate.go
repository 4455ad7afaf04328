package httpapi

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"schoolgate/internal/domain"
	"schoolgate/internal/verify"
)

// custom validation tags
const (
	studentIDTag = "studentid"
	passTokenTag = "passtoken"
	purposeTag   = "purpose"
	qstatusTag   = "qstatus"
	classModeTag = "classmode"
	notBlankTag  = "notblank"
)

var registerOnce sync.Once

// registerValidators adds the school tags to gin's validator and makes
// field errors use JSON names.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			for _, tag := range []string{"json", "uri", "form"} {
				if name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]; name != "" && name != "-" {
					return name
				}
			}
			return fld.Name
		})
		_ = v.RegisterValidation(studentIDTag, stringIs(verify.IsStudentID))
		_ = v.RegisterValidation(passTokenTag, stringIs(verify.IsGuardianPass))
		_ = v.RegisterValidation(purposeTag, stringIs(func(s string) bool { return domain.Purpose(s).Valid() }))
		_ = v.RegisterValidation(qstatusTag, stringIs(func(s string) bool { return domain.QueueStatus(s).GuardianSettable() }))
		_ = v.RegisterValidation(classModeTag, stringIs(func(s string) bool { return domain.ClassMode(s).Valid() }))
		_ = v.RegisterValidation(notBlankTag, stringIs(func(s string) bool { return strings.TrimSpace(s) != "" }))
	})
}

func stringIs(ok func(string) bool) validator.Func {
	return func(fl validator.FieldLevel) bool {
		s, isString := fl.Field().Interface().(string)
		return isString && ok(s)
	}
}

// bindingError turns a gin binding failure into a validation error.
func bindingError(err error) *domain.Error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		if errors.Is(err, io.EOF) {
			return domain.Validation(domain.CodeMissingField, "request body is required")
		}
		return domain.Validation(domain.CodeInvalidValue, "malformed request body")
	}
	fe := ve[0]
	switch fe.Tag() {
	case "required", notBlankTag:
		return domain.Validation(domain.CodeMissingField, fe.Field()+" is required")
	case studentIDTag:
		return domain.Validation(domain.CodeInvalidFormat, fe.Field()+" must look like 2025-001")
	case passTokenTag:
		return domain.Validation(domain.CodeInvalidFormat, fe.Field()+" is not a guardian pass")
	case purposeTag:
		return domain.Validation(domain.CodeInvalidValue, fe.Field()+` must be "Drop off" or "Pick up"`)
	case qstatusTag:
		return domain.Validation(domain.CodeInvalidValue, fe.Field()+" must be otw, late or here")
	case classModeTag:
		return domain.Validation(domain.CodeInvalidValue, fe.Field()+" must be dropoff, dismissal or class")
	case "oneof":
		return domain.Validation(domain.CodeInvalidValue, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
	default:
		return domain.Validation(domain.CodeInvalidValue, fe.Field()+" is invalid")
	}
}
