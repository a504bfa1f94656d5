package models

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxMessageBytes bounds a single inbound message.
const MaxMessageBytes = 8 * 1024

var eventValidate *validator.Validate

func init() {
	eventValidate = validator.New()
	_ = eventValidate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = eventValidate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxMessageBytes
	})
}

type eventRules struct {
	SenderID string `validate:"required,notblank"`
	Text     string `validate:"required,notblank,maxbytes"`
}

// ValidateEvent rejects events without a sender id or message text.
// The returned error wraps ErrMalformedEvent.
func ValidateEvent(e InboundEvent) error {
	err := eventValidate.Struct(eventRules{SenderID: e.SenderID, Text: e.Text})
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s(%s)", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrMalformedEvent, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
}
