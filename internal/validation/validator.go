// Package validation wraps go-playground/validator with the field rules used
// by the request payloads: Turkish national IDs, GSM numbers, IMEI style
// 15 digit numbers and usernames.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	nationalIDRegex = regexp.MustCompile(`^[0-9]{11}$`)
	gsmRegex        = regexp.MustCompile(`^\+?[0-9]{10,15}$`)
	digits15Regex   = regexp.MustCompile(`^[0-9]{15}$`)
	usernameRegex   = regexp.MustCompile(`^[A-Za-z0-9_.@+-]{3,150}$`)
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report JSON field names instead of Go field names
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	validate.RegisterValidation("national_id", regexRule(nationalIDRegex))
	validate.RegisterValidation("gsm", regexRule(gsmRegex))
	validate.RegisterValidation("digits15", regexRule(digits15Regex))
	validate.RegisterValidation("username", regexRule(usernameRegex))
}

func regexRule(re *regexp.Regexp) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return re.MatchString(fl.Field().String())
	}
}

// GetValidator returns the validator instance
func GetValidator() *validator.Validate {
	return validate
}

// Struct validates s and returns the failures keyed by JSON field name.
// A nil map means s is valid.
func Struct(s interface{}) map[string][]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string][]string{"_": {err.Error()}}
	}

	details := make(map[string][]string, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = append(details[fe.Field()], message(fe))
	}
	return details
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return "Invalid email format"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must not exceed %s characters", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "national_id":
		return "National ID must be exactly 11 digits"
	case "gsm":
		return "Phone number must be 10 to 15 digits with an optional leading +"
	case "digits15":
		return fmt.Sprintf("%s must be exactly 15 digits", fe.Field())
	case "username":
		return "Username must be 3 to 150 characters of letters, digits and _ . @ + -"
	case "eqfield":
		return fmt.Sprintf("%s must match %s", fe.Field(), strings.ToLower(fe.Param()))
	}
	return fmt.Sprintf("%s is invalid", fe.Field())
}

// Merge appends every entry of src into dst and returns dst
func Merge(dst, src map[string][]string) map[string][]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string][]string, len(src))
	}
	for k, v := range src {
		dst[k] = append(dst[k], v...)
	}
	return dst
}

// NormalizeGSM rewrites a valid GSM number to the +90 international form.
// Numbers with a leading 0 lose it; numbers without + get the country code.
func NormalizeGSM(gsm string) string {
	gsm = strings.TrimSpace(gsm)
	switch {
	case strings.HasPrefix(gsm, "0"):
		return "+90" + gsm[1:]
	case !strings.HasPrefix(gsm, "+"):
		return "+90" + gsm
	}
	return gsm
}

// IsGSM reports whether s is a syntactically valid GSM number
func IsGSM(s string) bool {
	return gsmRegex.MatchString(s)
}

// IsNationalID reports whether s is exactly 11 digits
func IsNationalID(s string) bool {
	return nationalIDRegex.MatchString(s)
}
