package engine

import (
	"fmt"

	"quill/internal/domain"
)

// letterFlow holds the only status changes an operator may request. waiting is left only
// by a drain, never by hand.
var letterFlow = map[string]string{
	domain.LetterDraft:    domain.LetterReviewed,
	domain.LetterReviewed: domain.LetterSent,
}

// ValidLetterStatus reports whether s is one of the four letter statuses.
func ValidLetterStatus(s string) bool {
	switch s {
	case domain.LetterWaiting, domain.LetterDraft, domain.LetterReviewed, domain.LetterSent:
		return true
	}
	return false
}

// NextLetterStatus returns the status a letter in from may be moved to.
func NextLetterStatus(from string) (string, bool) {
	next, ok := letterFlow[from]
	return next, ok
}

func ensureLetterTransition(from, to string) error {
	if next, ok := letterFlow[from]; ok && next == to {
		return nil
	}
	return TransitionError{From: from, To: to}
}

// Reviewed and sent letters are kept.
func ensureLetterDeletable(l domain.Letter) error {
	switch l.Status {
	case domain.LetterWaiting, domain.LetterDraft:
		return nil
	}
	return fmt.Errorf("%w: letter %d is %s; only waiting or draft letters can be deleted", ErrInvalidOperation, l.ID, l.Status)
}

func validDollStatus(s string) bool {
	return s == domain.DollActive || s == domain.DollInactive
}
