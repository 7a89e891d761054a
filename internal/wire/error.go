package wire

import (
	"errors"
	"fmt"

	"github.com/velorift/vrift/internal/vrerr"
)

// NewErrorDetail classifies err via vrerr.Kind and captures its message
// for transmission in a Response.Err field.
func NewErrorDetail(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	return &ErrorDetail{Kind: vrerr.Kind(err), Message: err.Error()}
}

// Error reconstructs a Go error from a received ErrorDetail. Known kinds
// are wrapped around the matching vrerr sentinel so a caller can still
// errors.Is against it; unknown kinds become a plain error carrying the
// message.
func (e *ErrorDetail) Error() error {
	if e == nil {
		return nil
	}
	sentinel := sentinelForKind(e.Kind)
	if sentinel == nil {
		return errors.New(e.Message)
	}
	return fmt.Errorf("%s: %w", e.Message, sentinel)
}

func sentinelForKind(kind string) error {
	switch kind {
	case "NotFound":
		return vrerr.NotFound
	case "HashMismatch":
		return vrerr.HashMismatch
	case "EXDEV":
		return vrerr.EXDEV
	case "EPERM":
		return vrerr.EPERM
	case "PermissionDenied":
		return vrerr.PermissionDenied
	case "ProtocolMismatch":
		return vrerr.ProtocolMismatch
	case "Corruption":
		return vrerr.Corruption
	case "Timeout":
		return vrerr.Timeout
	case "DaemonUnreachable":
		return vrerr.DaemonUnreachable
	default:
		return nil
	}
}
