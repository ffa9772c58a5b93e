// Package apierr defines the error taxonomy shared by all upstream-facing
// components. Handlers map these onto the stable JSON error envelope; raw
// upstream errors never cross the HTTP boundary.
package apierr

import (
	"errors"
	"fmt"
)

// UpstreamUnreachableError indicates that no candidate host for an upstream
// answered at all.
type UpstreamUnreachableError struct {
	Upstream string
	Err      error
}

func (e *UpstreamUnreachableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s unreachable: %v", e.Upstream, e.Err)
	}
	return fmt.Sprintf("%s unreachable", e.Upstream)
}

func (e *UpstreamUnreachableError) Unwrap() error { return e.Err }

// UpstreamError indicates that an upstream answered with a non-success status.
type UpstreamError struct {
	Upstream string
	Status   int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Upstream, e.Status)
}

// MalformedUpstreamError indicates that an upstream response body could not be
// decoded into the expected shape.
type MalformedUpstreamError struct {
	Upstream string
	Err      error
}

func (e *MalformedUpstreamError) Error() string {
	return fmt.Sprintf("malformed response from %s: %v", e.Upstream, e.Err)
}

func (e *MalformedUpstreamError) Unwrap() error { return e.Err }

// ClientInputError indicates a request that is invalid before any network
// call is made (missing required field).
type ClientInputError struct {
	Field string
}

func (e *ClientInputError) Error() string {
	return fmt.Sprintf("%s is required", e.Field)
}

// PolicyDeniedError carries a 401/403/429 decision made by the gateway's
// policy engine. This is expected control-plane behavior, not a fault.
type PolicyDeniedError struct {
	Status int
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("denied by policy engine with status %d", e.Status)
}

// IsUpstreamUnreachable reports whether err is an UpstreamUnreachableError.
func IsUpstreamUnreachable(err error) bool {
	var target *UpstreamUnreachableError
	return errors.As(err, &target)
}

// IsClientInput reports whether err is a ClientInputError.
func IsClientInput(err error) bool {
	var target *ClientInputError
	return errors.As(err, &target)
}

// IsPolicyDenied reports whether err is a PolicyDeniedError.
func IsPolicyDenied(err error) bool {
	var target *PolicyDeniedError
	return errors.As(err, &target)
}
