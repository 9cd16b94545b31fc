// Package validate sanitizes inbound strings and enforces the field rules of
// signaling payloads.
package validate

import (
	"errors"
	"fmt"
	"html"
	"reflect"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
)

var (
	roomIDPattern      = regexp.MustCompile(`^[A-Za-z0-9_-]{6,50}$`)
	displayNamePattern = regexp.MustCompile(`^[A-Za-z0-9 _-]{2,30}$`)

	// activeContent matches markup and URL schemes that execute in a browser.
	activeContent = regexp.MustCompile(`(?i)<\s*/?\s*(script|iframe|object|embed|style|svg|img|link|meta)\b|javascript\s*:|vbscript\s*:|data\s*:\s*text/html|\bon[a-z]+\s*=`)
)

const maxSanitizeRounds = 4

// FieldError reports a rejected field and why.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validator sanitizes and validates payloads. Safe for concurrent use.
type Validator struct {
	policy    *bluemonday.Policy
	v         *validator.Validate
	maxMsgLen int
}

// New creates a Validator with the given chat text cap.
func New(maxMsgLen int) *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("roomid", func(fl validator.FieldLevel) bool {
		return roomIDPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("displayname", func(fl validator.FieldLevel) bool {
		return displayNamePattern.MatchString(fl.Field().String())
	})
	return &Validator{
		policy:    bluemonday.StrictPolicy(),
		v:         v,
		maxMsgLen: maxMsgLen,
	}
}

// Sanitize strips HTML and script constructs and trims surrounding space.
// The result is plain text: entities the policy escapes are decoded again, and
// markup that only appears once decoded is stripped on the next round.
func (val *Validator) Sanitize(s string) string {
	for i := 0; i < maxSanitizeRounds; i++ {
		clean := html.UnescapeString(val.policy.Sanitize(s))
		if clean == s {
			break
		}
		s = clean
	}
	return strings.TrimSpace(s)
}

// HasActiveContent reports whether s carries markup or script URLs.
func HasActiveContent(s string) bool {
	return activeContent.MatchString(s)
}

// Struct sanitizes every exported string field of the pointed-to struct in
// place, then runs its `validate` tags.
func (val *Validator) Struct(payload interface{}) error {
	rv := reflect.ValueOf(payload)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return errors.New("validate: payload must be a pointer to struct")
	}
	val.sanitizeFields(rv.Elem())
	if err := val.v.Struct(payload); err != nil {
		return toFieldError(err)
	}
	return nil
}

func (val *Validator) sanitizeFields(v reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		if !f.CanSet() {
			continue
		}
		switch f.Kind() {
		case reflect.String:
			f.SetString(val.Sanitize(f.String()))
		case reflect.Slice:
			if f.Type().Elem().Kind() != reflect.String {
				continue
			}
			for j := 0; j < f.Len(); j++ {
				f.Index(j).SetString(val.Sanitize(f.Index(j).String()))
			}
		}
	}
}

// DisplayName validates a participant display name.
func (val *Validator) DisplayName(name string) (string, error) {
	name = val.Sanitize(name)
	if !displayNamePattern.MatchString(name) {
		return "", &FieldError{Field: "userName", Reason: "must be 2-30 characters of letters, digits, spaces, '_' or '-'"}
	}
	return name, nil
}

// ChatText validates a chat message body. Text with active content is
// rejected outright; the length cap applies to the sanitized form.
func (val *Validator) ChatText(text string) (string, error) {
	if HasActiveContent(text) {
		return "", &FieldError{Field: "text", Reason: "contains disallowed content"}
	}
	text = val.Sanitize(text)
	if HasActiveContent(text) {
		return "", &FieldError{Field: "text", Reason: "contains disallowed content"}
	}
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return "", &FieldError{Field: "text", Reason: "must not be empty"}
	}
	if n > val.maxMsgLen {
		return "", &FieldError{Field: "text", Reason: fmt.Sprintf("must be at most %d characters", val.maxMsgLen)}
	}
	return text, nil
}

// Emoji validates a reaction emoji.
func (val *Validator) Emoji(emoji string) (string, error) {
	emoji = val.Sanitize(emoji)
	if emoji == "" {
		return "", &FieldError{Field: "emoji", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(emoji) > 16 {
		return "", &FieldError{Field: "emoji", Reason: "must be at most 16 characters"}
	}
	return emoji, nil
}

func toFieldError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &FieldError{Field: "payload", Reason: err.Error()}
	}
	fe := verrs[0]
	return &FieldError{Field: fe.Field(), Reason: reason(fe)}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must have at least " + fe.Param() + " entries or characters"
	case "max":
		return "must have at most " + fe.Param() + " entries or characters"
	case "gte":
		return "must be >= " + fe.Param()
	case "roomid":
		return "must be 6-50 characters of letters, digits, '_' or '-'"
	case "displayname":
		return "must be 2-30 characters of letters, digits, spaces, '_' or '-'"
	default:
		return "failed " + fe.Tag() + " rule"
	}
}
