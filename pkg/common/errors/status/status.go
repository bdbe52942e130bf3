/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package status defines metadata for errors returned by the gateway. This
// information may be used by callers to make decisions about how to handle
// certain error conditions, for example to choose an exit code or to retry.
// Status values are divided by group, where each group represents the component
// that produced the status.
package status

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Status provides additional information about an unsuccessful operation.
// Essentially, this object contains metadata about an error returned by the
// credential store, the certificate authority client or the ledger session.
type Status struct {
	// Group status group
	Group Group
	// Code status code
	Code Code
	// Message status message
	Message string
	// cause is the underlying error, if any
	cause error
}

// Group of status to help callers infer the component that failed
type Group int32

const (
	// UnknownStatus unknown status group
	UnknownStatus Group = iota
	// WalletStatus is returned by the credential store
	WalletStatus
	// CAServerStatus is returned by a Fabric CA server
	CAServerStatus
	// CAClientStatus is inferred by the CA client (transport, response validation)
	CAClientStatus
	// LedgerStatus is returned by the ledger session and its endpoints
	LedgerStatus
	// GatewayStatus is produced by the workflows and the HTTP gateway itself
	GatewayStatus
)

// GroupName maps the groups in this packages to human-readable strings
var GroupName = map[int32]string{
	0: "Unknown",
	1: "Wallet Status",
	2: "Fabric CA Server Status",
	3: "Fabric CA Client Status",
	4: "Ledger Status",
	5: "Gateway Status",
}

func (g Group) String() string {
	if s, ok := GroupName[int32(g)]; ok {
		return s
	}
	return UnknownStatus.String()
}

// New returns a Status with the given parameters
func New(group Group, code Code, msg string) *Status {
	return &Status{Group: group, Code: code, Message: msg}
}

// Newf returns a Status with a formatted message
func Newf(group Group, code Code, format string, args ...interface{}) *Status {
	return New(group, code, fmt.Sprintf(format, args...))
}

// Wrap returns a Status that records cause as the underlying error. The
// message of cause is appended to msg.
func Wrap(group Group, code Code, cause error, msg string) *Status {
	if cause == nil {
		return New(group, code, msg)
	}
	if msg == "" {
		msg = cause.Error()
	} else {
		msg = msg + ": " + cause.Error()
	}
	return &Status{Group: group, Code: code, Message: msg, cause: cause}
}

// FromContext converts a context error into a network status. Deadline
// expiry becomes NetworkTimeout, cancellation becomes Unavailable.
func FromContext(group Group, err error, msg string) *Status {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(group, NetworkTimeout, err, msg)
	case errors.Is(err, context.Canceled):
		return Wrap(group, Unavailable, err, msg)
	default:
		return nil
	}
}

// FromError returns a Status representing err if available,
// otherwise it returns nil, false.
func FromError(err error) (s *Status, ok bool) {
	if err == nil {
		return &Status{Code: OK}, true
	}
	if s, ok := err.(*Status); ok {
		return s, true
	}
	if s, ok := errors.Cause(err).(*Status); ok {
		return s, true
	}
	var target *Status
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the status code carried by err. OK is returned for a nil
// error and Unknown for errors that carry no status.
func CodeOf(err error) Code {
	s, ok := FromError(err)
	if !ok {
		return Unknown
	}
	return s.Code
}

// Message returns the status message carried by err, or its text when err
// carries no status
func Message(err error) string {
	if err == nil {
		return ""
	}
	if s, ok := FromError(err); ok {
		return s.Message
	}
	return err.Error()
}

// Is reports whether err carries the given status code
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func (s *Status) Error() string {
	return fmt.Sprintf("%s Code: (%d) %s. Description: %s", s.Group.String(), s.Code, s.Code.String(), s.Message)
}

// Unwrap returns the underlying error
func (s *Status) Unwrap() error {
	return s.cause
}
