// Package slip holds the settlement state machine for payment slips.
//
//	pending -> approved
//	pending -> rejected
//
// approved and rejected are terminal.
package slip

import (
	"errors"
	"fmt"

	"github.com/duangjit/backend/internal/models"
)

var (
	// ErrInvalidStateTransition is a move the state machine does not allow,
	// such as rejecting an approved slip.
	ErrInvalidStateTransition = errors.New("slip: invalid state transition")
	// ErrAlreadySettled is a repeat of the transition that settled the slip.
	// Callers treat it as success.
	ErrAlreadySettled = errors.New("slip: already settled")
	ErrUnknownStatus  = errors.New("slip: unknown status")
)

func known(s models.SlipStatus) bool {
	switch s {
	case models.SlipStatusPending, models.SlipStatusApproved, models.SlipStatusRejected:
		return true
	}
	return false
}

// Transition validates a move from one status to another.
func Transition(from, to models.SlipStatus) error {
	if !known(from) || !known(to) {
		return fmt.Errorf("%w: %q -> %q", ErrUnknownStatus, from, to)
	}
	if from == to && from.Terminal() {
		return ErrAlreadySettled
	}
	if from == models.SlipStatusPending && to.Terminal() {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
}
