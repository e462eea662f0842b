package enums

import "fmt"

// HoldStatus mirrors the processor-side state of a funds hold.
type HoldStatus string

const (
	HoldStatusRequiresPaymentMethod HoldStatus = "requires_payment_method"
	HoldStatusRequiresConfirmation  HoldStatus = "requires_confirmation"
	HoldStatusRequiresAction        HoldStatus = "requires_action"
	HoldStatusProcessing            HoldStatus = "processing"
	HoldStatusRequiresCapture       HoldStatus = "requires_capture"
	HoldStatusSucceeded             HoldStatus = "succeeded"
	HoldStatusCanceled              HoldStatus = "canceled"
)

var validHoldStatuses = []HoldStatus{
	HoldStatusRequiresPaymentMethod,
	HoldStatusRequiresConfirmation,
	HoldStatusRequiresAction,
	HoldStatusProcessing,
	HoldStatusRequiresCapture,
	HoldStatusSucceeded,
	HoldStatusCanceled,
}

// String implements fmt.Stringer.
func (h HoldStatus) String() string {
	return string(h)
}

// IsValid reports whether the value is a known HoldStatus.
func (h HoldStatus) IsValid() bool {
	for _, candidate := range validHoldStatuses {
		if candidate == h {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the processor will never move the hold again.
func (h HoldStatus) IsTerminal() bool {
	return h == HoldStatusSucceeded || h == HoldStatusCanceled
}

// ReadyForCommit reports whether funds are authorized or already captured.
func (h HoldStatus) ReadyForCommit() bool {
	return h == HoldStatusRequiresCapture || h == HoldStatusSucceeded
}

// Cancelable reports whether the processor still accepts a cancel request.
func (h HoldStatus) Cancelable() bool {
	return !h.IsTerminal() && h != HoldStatusProcessing
}

// ParseHoldStatus converts raw input into a HoldStatus.
func ParseHoldStatus(value string) (HoldStatus, error) {
	for _, candidate := range validHoldStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid hold status %q", value)
}
