package licensing

import (
	"errors"
	"fmt"

	"github.com/sitelicense/license-server/internal/db/models"
	"github.com/sitelicense/license-server/internal/db/repositories"
)

// Reason explains a negative validation decision
type Reason string

const (
	ReasonInvalidKey        Reason = "InvalidKey"
	ReasonDisabled          Reason = "Disabled"
	ReasonExpired           Reason = "Expired"
	ReasonSuspended         Reason = "Suspended"
	ReasonCancelled         Reason = "Cancelled"
	ReasonDeactivated       Reason = "Deactivated"
	ReasonSeatLimitExceeded Reason = "SeatLimitExceeded"
)

// Input error codes returned to clients
const (
	CodeMissingLicenseKey        = "missing_license_key"
	CodeInvalidSite              = "invalid_site"
	CodeInvalidPluginVersion     = "invalid_plugin_version"
	CodeUnsupportedPluginVersion = "unsupported_plugin_version"
	CodeInvalidEmail             = "invalid_email"
	CodeInvalidParams            = "invalid_params"
	CodeUnknownOperation         = "unknown_operation"
)

var (
	// ErrDuplicateTrial is returned when the customer already holds a running trial or an active license
	ErrDuplicateTrial = errors.New("customer already has a running trial or active license")
	// ErrKeyGenerationExhausted is returned when every generated key collided with an existing one
	ErrKeyGenerationExhausted = errors.New("license key generation exhausted")
	// ErrInvalidTransition is matched by every *TransitionError
	ErrInvalidTransition = errors.New("invalid license transition")
)

// InputError is a rejected client request. Nothing was read or written.
type InputError struct {
	Code    string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func inputErr(code, format string, args ...interface{}) *InputError {
	return &InputError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// TransitionError reports an event that is not legal from the license's current status
type TransitionError struct {
	From  models.LicenseStatus
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot apply %s to a %s license", e.Event, e.From)
}

// Is lets errors.Is(err, ErrInvalidTransition) match
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// IsRetryable reports whether err is a transient storage fault the client may retry
func IsRetryable(err error) bool {
	return repositories.IsTransient(err)
}
