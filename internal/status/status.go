// Package status holds the wire status codes returned in every protocol
// response body and the error values that carry them.
package status

import "errors"

type Code int

const (
	Success                  Code = 0
	IPRestrict               Code = -100
	InvalidParameters        Code = -101
	InvalidEmailFormat       Code = -102
	EmailRegistered          Code = -103
	AccountNotExists         Code = -104
	DeviceNotExists          Code = -105
	TokenExpired             Code = -106
	AccountNotActivated      Code = -107
	AccountIsActivated       Code = -108
	TokenMismatch            Code = -109
	VerificationCodeMismatch Code = -110
	VerificationCodeExpired  Code = -111
	SubAccountNotExists      Code = -112
	Exception                Code = -1000
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case IPRestrict:
		return "ip restricted"
	case InvalidParameters:
		return "invalid parameters"
	case InvalidEmailFormat:
		return "invalid email format"
	case EmailRegistered:
		return "email registered"
	case AccountNotExists:
		return "account not exists"
	case DeviceNotExists:
		return "device not exists"
	case TokenExpired:
		return "token expired"
	case AccountNotActivated:
		return "account not activated"
	case AccountIsActivated:
		return "account is activated"
	case TokenMismatch:
		return "token mismatch"
	case VerificationCodeMismatch:
		return "verification code mismatch"
	case VerificationCodeExpired:
		return "verification code expired"
	case SubAccountNotExists:
		return "subaccount not exists"
	default:
		return "exception"
	}
}

// Error is a domain failure reported to the caller as Code. The cause, if
// any, is for server-side logs only.
type Error struct {
	Code  Code
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Code.String() + ": " + e.cause.Error()
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func New(code Code) *Error { return &Error{Code: code} }

func Wrap(code Code, cause error) *Error { return &Error{Code: code, cause: cause} }

var (
	ErrInvalidInput       = New(InvalidParameters)
	ErrAccountNotFound    = New(AccountNotExists)
	ErrDeviceNotFound     = New(DeviceNotExists)
	ErrSubAccountNotFound = New(SubAccountNotExists)
	ErrTokenMismatch      = New(TokenMismatch)
	ErrTokenExpired       = New(TokenExpired)
	ErrNotActivated       = New(AccountNotActivated)
	ErrAlreadyActivated   = New(AccountIsActivated)
	ErrCodeMismatch       = New(VerificationCodeMismatch)
	ErrCodeExpired        = New(VerificationCodeExpired)
	ErrEmailRegistered    = New(EmailRegistered)
	ErrInvalidEmailFormat = New(InvalidEmailFormat)
	ErrAccessRestricted   = New(IPRestrict)
)

// CodeOf maps err to the code sent on the wire. Errors that carry no code
// are internal faults.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Exception
}

// IsNotFound reports whether err is one of the lookup failures.
func IsNotFound(err error) bool {
	switch CodeOf(err) {
	case AccountNotExists, DeviceNotExists, SubAccountNotExists:
		return true
	}
	return false
}
