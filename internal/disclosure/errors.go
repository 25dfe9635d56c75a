package disclosure

import (
	"errors"
	"fmt"
)

// Reason classifies a failed key reconstruction.
type Reason int

const (
	MissingMandatoryShare Reason = iota + 1
	InsufficientShares
	InvalidShare
)

func (r Reason) String() string {
	switch r {
	case MissingMandatoryShare:
		return "missing mandatory share"
	case InsufficientShares:
		return "insufficient shares"
	case InvalidShare:
		return "invalid share"
	default:
		return "unknown"
	}
}

// KeyReconstructionError is returned to the compliance layer when shares cannot yield the key.
type KeyReconstructionError struct {
	Reason Reason
	Detail string
}

func (e *KeyReconstructionError) Error() string {
	if e.Detail == "" {
		return "key reconstruction: " + e.Reason.String()
	}
	return fmt.Sprintf("key reconstruction: %s: %s", e.Reason, e.Detail)
}

// Is matches any KeyReconstructionError with the same Reason.
func (e *KeyReconstructionError) Is(target error) bool {
	var t *KeyReconstructionError
	if !errors.As(target, &t) {
		return false
	}
	return t.Reason == e.Reason
}

var (
	ErrMissingMandatoryShare = &KeyReconstructionError{Reason: MissingMandatoryShare}
	ErrInsufficientShares    = &KeyReconstructionError{Reason: InsufficientShares}
	ErrInvalidShare          = &KeyReconstructionError{Reason: InvalidShare}
)

func reconstructionError(r Reason, format string, args ...any) error {
	return &KeyReconstructionError{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

var (
	ErrUnknownRequest = errors.New("unknown disclosure request")
	ErrUnknownTarget  = errors.New("no sealed record for target")
	ErrExpired        = errors.New("disclosure request expired")
	ErrNotPending     = errors.New("disclosure request is not pending")
	ErrDecrypt        = errors.New("failed to decrypt record")
)
