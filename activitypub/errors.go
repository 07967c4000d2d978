package activitypub

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the inbox and outbox matches one of these with errors.Is.
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrValidation     = errors.New("invalid activity")
	ErrNoRecipients   = errors.New("no recipients")
	ErrDelivery       = errors.New("delivery failed")
	ErrStorage        = errors.New("storage error")

	ErrNoActor              = errors.New("no actor can deliver this activity")
	ErrLocalVisibility      = errors.New("local activities are not federated")
	ErrUnsupportedKeyFormat = errors.New("unsupported key format")
)

// SignatureReason tells why a request signature was refused.
type SignatureReason string

const (
	ReasonMissingSignature     SignatureReason = "missing_signature"
	ReasonUnresolvableKey      SignatureReason = "unresolvable_key"
	ReasonUnsupportedKeyFormat SignatureReason = "unsupported_key_format"
	ReasonExpired              SignatureReason = "expired"
	ReasonMismatch             SignatureReason = "mismatch"
)

// SignatureError is an authentication failure with its reason.
type SignatureError struct {
	Reason SignatureReason
	Err    error
}

func (e *SignatureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("signature rejected: %s", e.Reason)
	}
	return fmt.Sprintf("signature rejected: %s: %v", e.Reason, e.Err)
}

func (e *SignatureError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrAuthentication}
	}
	return []error{ErrAuthentication, e.Err}
}

func signatureError(reason SignatureReason, format string, args ...any) *SignatureError {
	return &SignatureError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// ValidationError names the member that made an inbound activity unusable.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid activity: " + e.Msg
	}
	return fmt.Sprintf("invalid activity: %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// RecipientResolutionError is returned when an inbound activity addresses no local actor.
type RecipientResolutionError struct {
	Target string
}

func (e *RecipientResolutionError) Error() string {
	if e.Target == "" {
		return "no recipients"
	}
	return "no recipients: unknown actor " + e.Target
}

func (e *RecipientResolutionError) Unwrap() error { return ErrNoRecipients }

// DeliveryError is one failed POST to a remote inbox.
type DeliveryError struct {
	Inbox  string
	Status int // zero for transport failures
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("deliver to %s: status %d", e.Inbox, e.Status)
	}
	return fmt.Sprintf("deliver to %s: %v", e.Inbox, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDelivery}
	}
	return []error{ErrDelivery, e.Err}
}

func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
