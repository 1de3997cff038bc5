// Package contact turns contact-form submissions into operator emails.
//
// A Submission is decoded from the request body, trimmed and validated as a
// whole before anything is sent. Invalid submissions come back as a
// *ValidationError listing every bad field in form order.
package contact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxBodyBytes caps the request body read by the handler.
const MaxBodyBytes = 64 << 10

// Submission is one contact-form payload. It lives for a single request.
type Submission struct {
	FirstName string `json:"firstName" validate:"required"`
	LastName  string `json:"lastName" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
	Subject   string `json:"subject" validate:"required"`
	Message   string `json:"message" validate:"required"`
}

// Name is the submitter's full name.
func (s *Submission) Name() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

func (s *Submission) trim() {
	s.FirstName = strings.TrimSpace(s.FirstName)
	s.LastName = strings.TrimSpace(s.LastName)
	s.Email = strings.TrimSpace(s.Email)
	s.Subject = strings.TrimSpace(s.Subject)
	s.Message = strings.TrimSpace(s.Message)
}

// FieldError is one field-level problem reported back to the client.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects a submission. No side effect has happened.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.Field + ": " + fe.Message
	}
	return "invalid submission: " + strings.Join(msgs, "; ")
}

// Malformed reports whether the body could not be read as a submission at
// all, as opposed to a readable one with bad fields.
func (e *ValidationError) Malformed() bool {
	for _, fe := range e.Errors {
		if fe.Field == bodyField {
			return true
		}
	}
	return false
}

// field labels used in messages, keyed by json name
var labels = map[string]string{
	"firstName": "First name",
	"lastName":  "Last name",
	"email":     "Email",
	"subject":   "Subject",
	"message":   "Message",
}

const bodyField = "body"

var errTrailingData = errors.New("data after the JSON object")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every field and returns a *ValidationError listing all of
// the problems, or nil.
func (s *Submission) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating submission: %w", err)
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Errors = append(out.Errors, FieldError{Field: fe.Field(), Message: fieldMessage(fe.Field(), fe.Tag())})
	}
	return out
}

func fieldMessage(field, tag string) string {
	switch tag {
	case "required":
		return labels[field] + " is required"
	case "email":
		return "Invalid email address"
	}
	return labels[field] + " is invalid"
}

// Parse decodes, trims and validates a submission from r. Every failure,
// including a malformed body, is returned as a *ValidationError.
func Parse(r io.Reader) (*Submission, error) {
	s := &Submission{}
	var typeErr *json.UnmarshalTypeError
	dec := json.NewDecoder(r)
	err := dec.Decode(s)
	if err == nil {
		err = checkTrailing(dec)
	}
	switch {
	case err == nil:
	case errors.As(err, &typeErr) && labels[typeErr.Field] != "":
		// the decoder keeps filling the other fields; report this one and
		// validate the rest
		verr := &ValidationError{Errors: []FieldError{{Field: typeErr.Field, Message: labels[typeErr.Field] + " must be text"}}}
		s.trim()
		if err := s.Validate(); err != nil {
			var more *ValidationError
			if !errors.As(err, &more) {
				return nil, err
			}
			for _, fe := range more.Errors {
				if fe.Field != typeErr.Field {
					verr.Errors = append(verr.Errors, fe)
				}
			}
		}
		sortFields(verr.Errors)
		return nil, verr
	default:
		return nil, &ValidationError{Errors: []FieldError{{Field: bodyField, Message: bodyMessage(err)}}}
	}
	s.trim()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// checkTrailing allows only whitespace after the decoded value
func checkTrailing(dec *json.Decoder) error {
	_, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return nil
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return err
	}
	return errTrailingData
}

func bodyMessage(err error) string {
	var maxErr *http.MaxBytesError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, errTrailingData):
		return "Request body must contain a single JSON object"
	case errors.As(err, &maxErr):
		return fmt.Sprintf("Request body exceeds %d bytes", maxErr.Limit)
	case errors.Is(err, io.EOF):
		return "Request body is empty"
	case errors.As(err, &typeErr):
		return "Request body must be a JSON object"
	}
	return "Request body is not valid JSON"
}

var fieldOrder = map[string]int{"firstName": 0, "lastName": 1, "email": 2, "subject": 3, "message": 4}

func sortFields(errs []FieldError) {
	sort.SliceStable(errs, func(i, j int) bool {
		return fieldOrder[errs[i].Field] < fieldOrder[errs[j].Field]
	})
}
