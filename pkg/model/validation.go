package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance shared by both channel ends.
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate decodes the message payload into its typed struct and checks the
// required fields. Types without a typed payload only need to be known.
func Validate(msg Message) error {
	if !msg.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	payload := PayloadFor(msg.Type)
	if payload == nil {
		return nil
	}
	if err := msg.Decode(payload); err != nil {
		return err
	}
	if err := validate.Struct(payload); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidMessage, describeValidationError(err))
	}
	return nil
}

// ValidateStruct runs struct-tag validation on an arbitrary value.
func ValidateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidMessage, describeValidationError(err))
	}
	return nil
}

func describeValidationError(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field(), translateValidationError(fe)))
	}
	return strings.Join(msgs, "; ")
}

func translateValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "min":
		return fmt.Sprintf("must have at least %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
