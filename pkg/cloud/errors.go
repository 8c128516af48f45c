package cloud

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRegion is wrapped by errors returned for regions a provider
// does not serve
var ErrInvalidRegion = errors.New("invalid region")

// ErrorKind classifies provider failures
type ErrorKind int

const (
	// KindProvider is a request the provider rejected (bad region, quota...)
	KindProvider ErrorKind = iota
	// KindTransport is a failure reaching the provider
	KindTransport
	// KindUnauthorized is a request rejected because of credentials
	KindUnauthorized
	// KindNotFound is an operation on an id the provider does not know
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not found"
	default:
		return "provider"
	}
}

// Error is returned by every CloudProvider operation
type Error struct {
	Kind       ErrorKind
	Provider   string
	Op         string
	Region     string
	InstanceID string
	Err        error
}

// Error describes the failure along with the operation, region and
// instance it concerns
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s failed", e.Provider, e.Op)

	var details []string
	if e.InstanceID != "" {
		details = append(details, "instance "+e.InstanceID)
	}
	if e.Region != "" {
		details = append(details, "region "+e.Region)
	}
	if len(details) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(details, ", "))
	}

	fmt.Fprintf(&b, ": %s error", e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying provider error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an *Error for a failed operation
func NewError(kind ErrorKind, provider, op string, err error) *Error {
	return &Error{
		Kind:     kind,
		Provider: provider,
		Op:       op,
		Err:      err,
	}
}

// WithRegion sets the region the error concerns
func (e *Error) WithRegion(region string) *Error {
	e.Region = region
	return e
}

// WithInstance sets the instance the error concerns
func (e *Error) WithInstance(instanceID string) *Error {
	e.InstanceID = instanceID
	return e
}

// KindOf returns the kind of err, and false if err is not an *Error
func KindOf(err error) (ErrorKind, bool) {
	var cloudErr *Error
	if errors.As(err, &cloudErr) {
		return cloudErr.Kind, true
	}
	return KindProvider, false
}

// IsNotFound reports whether err concerns an id the provider does not know
func IsNotFound(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindNotFound
}

// IsUnauthorized reports whether err was caused by rejected credentials
func IsUnauthorized(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindUnauthorized
}

// IsTransport reports whether err is a failure reaching the provider
func IsTransport(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindTransport
}
