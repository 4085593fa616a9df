package service

import "errors"

// Error kinds from spec.md §7 that originate at the service layer.
var (
	ErrAccessDenied = errors.New("access denied")
	ErrUnknownUser  = errors.New("unknown user")
	ErrRateLimited  = errors.New("rate limited")
	ErrGalleryEmpty = errors.New("no enrolled models")
)

// busErrorName maps an error to the org.freedesktop.Visage1.Error.* name
// returned to the bus (spec.md §7: AccessDenied is distinguished, everything
// else is a generic method-call failure).
func busErrorName(err error) string {
	switch {
	case errors.Is(err, ErrAccessDenied):
		return "org.freedesktop.Visage1.Error.AccessDenied"
	default:
		return "org.freedesktop.Visage1.Error.Failed"
	}
}
