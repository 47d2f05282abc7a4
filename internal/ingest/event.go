package ingest

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sitelicense/license-server/internal/db/models"
)

// LifecycleEvent is a payment-processor event normalised by the relay in front of this
// service. One event moves at most one license.
type LifecycleEvent struct {
	Kind                models.LifecycleEventKind `json:"event_kind" validate:"required,oneof=purchase renewal cancellation payment_failed refund"`
	CustomerEmail       string                    `json:"customer_email" validate:"required,email,max=320"`
	CustomerName        string                    `json:"customer_name" validate:"max=200"`
	PlanID              string                    `json:"plan_id" validate:"max=100"`
	SourceProcessor     string                    `json:"source_processor" validate:"required,max=64"`
	SourceTransactionID string                    `json:"source_transaction_id" validate:"required,max=255"`
	SubscriptionID      string                    `json:"subscription_id" validate:"max=255"`
	AmountCents         int64                     `json:"amount_cents" validate:"gte=0"`
	Currency            string                    `json:"currency" validate:"omitempty,len=3,alpha"`
}

// FieldError is one rejected field of an event
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every rejected field of an event
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return "invalid lifecycle event: " + strings.Join(msgs, "; ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// normalize trims the free-text fields and canonicalises case
func (ev *LifecycleEvent) normalize() {
	ev.Kind = models.LifecycleEventKind(strings.ToLower(strings.TrimSpace(string(ev.Kind))))
	ev.CustomerEmail = strings.ToLower(strings.TrimSpace(ev.CustomerEmail))
	ev.CustomerName = strings.TrimSpace(ev.CustomerName)
	ev.PlanID = strings.TrimSpace(ev.PlanID)
	ev.SourceProcessor = strings.ToLower(strings.TrimSpace(ev.SourceProcessor))
	ev.SourceTransactionID = strings.TrimSpace(ev.SourceTransactionID)
	ev.SubscriptionID = strings.TrimSpace(ev.SubscriptionID)
	ev.Currency = strings.ToUpper(strings.TrimSpace(ev.Currency))
}

// Validate normalises the event and checks it against its tags and the plan table
func (ev *LifecycleEvent) Validate(plans *PlanTable) error {
	ev.normalize()

	var fields []FieldError
	if err := validate.Struct(ev); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		for _, fe := range verrs {
			fields = append(fields, FieldError{Field: fe.Field(), Message: describe(fe)})
		}
	}

	if ev.Kind == models.EventPurchase {
		if ev.PlanID == "" {
			fields = append(fields, FieldError{Field: "plan_id", Message: "plan_id is required for purchase events"})
		} else if _, ok := plans.Lookup(ev.PlanID); !ok {
			fields = append(fields, FieldError{Field: "plan_id", Message: fmt.Sprintf("unknown plan_id %q", ev.PlanID)})
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must not be negative", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
