package errs

import (
	"errors"
	"fmt"
)

// Class partitions failures by who has to act on them: the caller fixed a bad
// request (Validation), the caller hit a business rule (Business), the system
// found itself in an impossible state (Consistency), or the environment failed
// (Infrastructure).
type Class int

const (
	ClassValidation Class = iota + 1
	ClassBusiness
	ClassConsistency
	ClassInfrastructure
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassBusiness:
		return "business"
	case ClassConsistency:
		return "consistency"
	case ClassInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// Code identifies a failure independent of its message text.
type Code string

const (
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeUnknownAsset        Code = "unknown_asset"
	CodeUnknownPair         Code = "unknown_pair"
	CodeZeroOrder           Code = "zero_order"
	CodeBelowMinimum        Code = "below_minimum"
	CodeInvalidFillMode     Code = "invalid_fill_mode"
	CodeFOKUnfilled         Code = "fok_unfilled"
	CodeOrderNotFound       Code = "order_not_found"
	CodeNotOrderOwner       Code = "not_order_owner"
	CodePoolMissing         Code = "pool_missing"
	CodeEmptyPool           Code = "empty_pool"
	CodeZeroLiquidity       Code = "zero_liquidity"
	CodeZeroInput           Code = "zero_input"
	CodeZeroOutput          Code = "zero_output"
	CodeInternal            Code = "internal"
	CodeStore               Code = "store"
)

// Error is the single error type crossing component boundaries.
type Error struct {
	Class   Class
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(code Code, msg string) *Error {
	return &Error{Class: ClassValidation, Code: code, Message: msg}
}

func Validationf(code Code, format string, args ...any) *Error {
	return Validation(code, fmt.Sprintf(format, args...))
}

func Business(code Code, msg string) *Error {
	return &Error{Class: ClassBusiness, Code: code, Message: msg}
}

func Businessf(code Code, format string, args ...any) *Error {
	return Business(code, fmt.Sprintf(format, args...))
}

// Consistency marks a "should not reach here" condition: a programming defect
// or corrupted state, never bad input.
func Consistency(msg string) *Error {
	return &Error{Class: ClassConsistency, Code: CodeInternal, Message: msg}
}

func Consistencyf(format string, args ...any) *Error {
	return Consistency(fmt.Sprintf(format, args...))
}

func Infra(err error, msg string) *Error {
	return &Error{Class: ClassInfrastructure, Code: CodeStore, Message: msg, Err: err}
}

func Infraf(err error, format string, args ...any) *Error {
	return Infra(err, fmt.Sprintf(format, args...))
}

// ClassOf reports the class of err, or 0 when err is not an *Error.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return 0
}

// CodeOf reports the code of err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsValidation(err error) bool  { return ClassOf(err) == ClassValidation }
func IsBusiness(err error) bool    { return ClassOf(err) == ClassBusiness }
func IsConsistency(err error) bool { return ClassOf(err) == ClassConsistency }

// Recoverable reports whether the caller may treat err as a rejected request
// rather than an internal failure.
func Recoverable(err error) bool {
	c := ClassOf(err)
	return c == ClassValidation || c == ClassBusiness
}
