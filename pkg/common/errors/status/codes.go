/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package status

import "strconv"

// Code represents a status code
type Code int32

const (
	// OK is returned on success.
	OK Code = 0

	// Unknown represents status codes that are uncategorized
	Unknown Code = 1

	// NotFound is returned when an identity, profile, channel or contract is absent
	NotFound Code = 2

	// AlreadyExists is returned when an identity label is already taken. Workflows
	// report it as a notice rather than a failure.
	AlreadyExists Code = 3

	// AdminNotEnrolled is returned when registration is attempted before the
	// organization's admin identity was enrolled
	AdminNotEnrolled Code = 4

	// AuthorityUnreachable is returned when the certificate authority cannot be reached
	AuthorityUnreachable Code = 5

	// EnrollmentRejected is returned when the certificate authority refuses an enrollment
	EnrollmentRejected Code = 6

	// NotAuthorized is returned when the registrar lacks the privilege to register identities
	NotAuthorized Code = 7

	// AlreadyRegistered is returned when the enrollment ID is already known to the authority
	AlreadyRegistered Code = 8

	// IOError is returned when the credential store fails to persist or read an identity
	IOError Code = 9

	// NetworkTimeout is returned when a network round trip exceeds its deadline
	NetworkTimeout Code = 10

	// Unavailable is returned when a ledger endpoint refuses or drops the connection
	Unavailable Code = 11

	// QueryFailed is returned when a contract evaluation fails
	QueryFailed Code = 12

	// InvalidArgument is returned for malformed requests
	InvalidArgument Code = 13
)

// CodeName maps the codes in this packages to human-readable strings
var CodeName = map[int32]string{
	0:  "OK",
	1:  "UNKNOWN",
	2:  "NOT_FOUND",
	3:  "ALREADY_EXISTS",
	4:  "ADMIN_NOT_ENROLLED",
	5:  "AUTHORITY_UNREACHABLE",
	6:  "ENROLLMENT_REJECTED",
	7:  "NOT_AUTHORIZED",
	8:  "ALREADY_REGISTERED",
	9:  "IO_ERROR",
	10: "NETWORK_TIMEOUT",
	11: "UNAVAILABLE",
	12: "QUERY_FAILED",
	13: "INVALID_ARGUMENT",
}

// ToInt32 cast to int32
func (c Code) ToInt32() int32 {
	return int32(c)
}

// String representation of the code
func (c Code) String() string {
	if s, ok := CodeName[c.ToInt32()]; ok {
		return s
	}
	return strconv.Itoa(int(c))
}

// Retryable reports whether an operation failing with this code may succeed
// if it is attempted again.
func (c Code) Retryable() bool {
	switch c {
	case AuthorityUnreachable, NetworkTimeout, Unavailable:
		return true
	default:
		return false
	}
}
