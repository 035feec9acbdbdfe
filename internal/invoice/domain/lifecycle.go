package domain

import (
	"fmt"

	"github.com/qmuntal/stateless"
)

type Trigger string

const (
	TriggerAccept          Trigger = "accept"
	TriggerRejectPermanent Trigger = "reject_permanent"
	TriggerRejectRetryable Trigger = "reject_retryable"
	TriggerExhaustBudget   Trigger = "exhaust_budget"
	TriggerCancel          Trigger = "cancel"
)

// newLifecycle builds the invoice state machine positioned at current.
// sent, failed and cancelled accept no triggers.
func newLifecycle(current Status) *stateless.StateMachine {
	machine := stateless.NewStateMachine(current)

	machine.Configure(StatusPending).
		Permit(TriggerAccept, StatusSent).
		Permit(TriggerRejectPermanent, StatusFailed).
		Permit(TriggerExhaustBudget, StatusFailed).
		Permit(TriggerCancel, StatusCancelled).
		PermitReentry(TriggerRejectRetryable)

	machine.Configure(StatusSent)
	machine.Configure(StatusFailed)
	machine.Configure(StatusCancelled)

	return machine
}

// NextStatus applies trigger to current and returns the resulting status, or
// ErrInvalidTransition when the machine does not permit it.
func NextStatus(current Status, trigger Trigger) (Status, error) {
	if !current.Valid() {
		return current, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, current)
	}
	machine := newLifecycle(current)
	if err := machine.Fire(trigger); err != nil {
		return current, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, trigger, current)
	}
	return machine.MustState().(Status), nil
}
