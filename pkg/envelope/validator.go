package envelope

import "fmt"

// ValidationError names the first envelope field that failed validation.
// Validation errors are never retried automatically: the caller must fix the
// input.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

func required(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Code:    "REQUIRED",
		Message: fmt.Sprintf("%s is required", field),
	}
}

// ValidateEvent checks presence of every required event envelope field and
// returns a ValidationError naming the first missing one. Payload shape is
// the handler's responsibility, not validated here. Fail-closed: a
// structurally incomplete envelope never reaches the store.
func ValidateEvent(ev *Event) error {
	if ev == nil {
		return required("event")
	}
	if ev.EventID == "" {
		return required("event_id")
	}
	if ev.EventType == "" {
		return required("event_type")
	}
	if ev.OccurredAt.IsZero() {
		return required("occurred_at")
	}
	if ev.CorrelationID == "" {
		return required("correlation_id")
	}
	if ev.Actor == "" {
		return required("actor")
	}
	if ev.EnvelopeVersion == "" {
		return required("envelope_version")
	}
	if ev.CausationID != "" && ev.CausationType == "" {
		return &ValidationError{
			Field:   "causation_type",
			Code:    "REQUIRED_WITH",
			Message: "causation_type is required when causation_id is set",
		}
	}
	return nil
}

// ValidateCommand checks presence of every required command envelope field
// and returns a ValidationError naming the first missing one.
func ValidateCommand(cmd *Command) error {
	if cmd == nil {
		return required("command")
	}
	if cmd.CommandID == "" {
		return required("command_id")
	}
	if cmd.CommandType == "" {
		return required("command_type")
	}
	if cmd.TargetRef == "" && cmd.ScopeKey() == "" {
		return required("target_ref")
	}
	if cmd.CorrelationID == "" {
		return required("correlation_id")
	}
	if cmd.Actor == "" {
		return required("actor")
	}
	if cmd.RequestedAt.IsZero() {
		return required("requested_at")
	}
	return nil
}
