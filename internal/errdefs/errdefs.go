// Package errdefs defines the error kinds surfaced by the allocators and
// drivers. Every kind is a concrete type with a constructor and an IsX
// predicate; predicates see through github.com/pkg/errors wrapping.
package errdefs

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies an error for callers and for the HTTP layer.
type Kind int

const (
	KindUnknown Kind = iota
	// pool exhaustion
	KindAddressGenerationFailure
	KindMacAddressGenerationFailure
	// quota
	KindDriverLimitReached
	// provider network validation
	KindProvidernetParamError
	KindSegmentIDRequired
	KindSegmentIDUnsupported
	KindInvalidPhysicalNetworkType
	KindPhysicalNetworkNotFound
	// consistency
	KindBadNVPState
	KindAmbiguous
	KindMirrorInconsistent
	// lookups and input
	KindNotFound
	KindInUse
	KindConflict
	KindInvalidInput
	// transport
	KindUnreachable
)

var kindNames = map[Kind]string{
	KindAddressGenerationFailure:    "AddressGenerationFailure",
	KindMacAddressGenerationFailure: "MacAddressGenerationFailure",
	KindDriverLimitReached:          "DriverLimitReached",
	KindProvidernetParamError:       "ProvidernetParamError",
	KindSegmentIDRequired:           "SegmentIdRequired",
	KindSegmentIDUnsupported:        "SegmentIdUnsupported",
	KindInvalidPhysicalNetworkType:  "InvalidPhysicalNetworkType",
	KindPhysicalNetworkNotFound:     "PhysicalNetworkNotFound",
	KindBadNVPState:                 "BadNVPState",
	KindAmbiguous:                   "Ambiguous",
	KindMirrorInconsistent:          "MirrorInconsistent",
	KindNotFound:                    "NotFound",
	KindInUse:                       "InUse",
	KindConflict:                    "Conflict",
	KindInvalidInput:                "InvalidInput",
	KindUnreachable:                 "Unreachable",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "Unknown"
}

type kindError struct {
	kind  Kind
	msg   string
	cause error
}

func (e kindError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e kindError) Unwrap() error { return e.cause }

// Kind returns the error kind.
func (e kindError) Kind() Kind { return e.kind }

func newf(k Kind, format string, args ...interface{}) error {
	return kindError{kind: k, msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var ke kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

func AddressGenerationFailure(netID string) error {
	return newf(KindAddressGenerationFailure, "no more IP addresses available on network %s", netID)
}

func MacAddressGenerationFailure(netID string) error {
	return newf(KindMacAddressGenerationFailure, "unable to generate unique mac on network %s", netID)
}

// DriverLimitReached reports a configured ceiling, e.g. "rules per port".
func DriverLimitReached(limit string) error {
	return newf(KindDriverLimitReached, "driver has reached limit on resource '%s'", limit)
}

func ProvidernetParamError(msg string) error {
	return newf(KindProvidernetParamError, "%s", msg)
}

func SegmentIDRequired(netType string) error {
	return newf(KindSegmentIDRequired, "segmentation ID is required for network type %s", netType)
}

func SegmentIDUnsupported(netType string) error {
	return newf(KindSegmentIDUnsupported, "segmentation ID is unsupported for network type %s", netType)
}

func InvalidPhysicalNetworkType(netType string) error {
	return newf(KindInvalidPhysicalNetworkType, "providernet type %s is invalid", netType)
}

func PhysicalNetworkNotFound(physNet string) error {
	return newf(KindPhysicalNetworkNotFound, "physical network %s not found", physNet)
}

func BadNVPState(netID string) error {
	return newf(KindBadNVPState, "no networking information found for network %s", netID)
}

// Ambiguous reports a query that expected exactly one match.
func Ambiguous(format string, args ...interface{}) error {
	return newf(KindAmbiguous, format, args...)
}

// MirrorInconsistent wraps a local cache write that failed after the remote
// object was already changed. Needs manual reconciliation.
func MirrorInconsistent(cause error, format string, args ...interface{}) error {
	return kindError{kind: KindMirrorInconsistent, msg: fmt.Sprintf(format, args...), cause: cause}
}

func NotFound(format string, args ...interface{}) error {
	return newf(KindNotFound, format, args...)
}

func InUse(format string, args ...interface{}) error {
	return newf(KindInUse, format, args...)
}

func Conflict(format string, args ...interface{}) error {
	return newf(KindConflict, format, args...)
}

func InvalidInput(format string, args ...interface{}) error {
	return newf(KindInvalidInput, format, args...)
}

// Unreachable wraps a transport failure talking to the controller.
func Unreachable(cause error, endpoint string) error {
	return kindError{kind: KindUnreachable, msg: fmt.Sprintf("controller %s unreachable", endpoint), cause: cause}
}

func IsAddressGenerationFailure(err error) bool {
	return KindOf(err) == KindAddressGenerationFailure
}
func IsMacAddressGenerationFailure(err error) bool {
	return KindOf(err) == KindMacAddressGenerationFailure
}
func IsDriverLimitReached(err error) bool    { return KindOf(err) == KindDriverLimitReached }
func IsProvidernetParamError(err error) bool { return KindOf(err) == KindProvidernetParamError }
func IsSegmentIDRequired(err error) bool     { return KindOf(err) == KindSegmentIDRequired }
func IsSegmentIDUnsupported(err error) bool  { return KindOf(err) == KindSegmentIDUnsupported }
func IsInvalidPhysicalNetworkType(err error) bool {
	return KindOf(err) == KindInvalidPhysicalNetworkType
}
func IsPhysicalNetworkNotFound(err error) bool { return KindOf(err) == KindPhysicalNetworkNotFound }
func IsBadNVPState(err error) bool             { return KindOf(err) == KindBadNVPState }
func IsAmbiguous(err error) bool               { return KindOf(err) == KindAmbiguous }
func IsMirrorInconsistent(err error) bool      { return KindOf(err) == KindMirrorInconsistent }
func IsNotFound(err error) bool                { return KindOf(err) == KindNotFound }
func IsInUse(err error) bool                   { return KindOf(err) == KindInUse }
func IsConflict(err error) bool                { return KindOf(err) == KindConflict }
func IsInvalidInput(err error) bool            { return KindOf(err) == KindInvalidInput }
func IsUnreachable(err error) bool             { return KindOf(err) == KindUnreachable }

// IsInternal reports the consistency kinds that indicate a broken invariant
// rather than bad user input.
func IsInternal(err error) bool {
	switch KindOf(err) {
	case KindBadNVPState, KindAmbiguous, KindMirrorInconsistent:
		return true
	}
	return false
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInUse, KindConflict:
		return http.StatusConflict
	case KindAddressGenerationFailure, KindMacAddressGenerationFailure:
		return http.StatusConflict
	case KindDriverLimitReached, KindProvidernetParamError, KindSegmentIDRequired,
		KindSegmentIDUnsupported, KindInvalidPhysicalNetworkType, KindPhysicalNetworkNotFound,
		KindInvalidInput:
		return http.StatusBadRequest
	case KindUnreachable:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
