package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Sentinels matched with errors.Is against the typed failures below.
var (
	ErrNoEligibleEndpoint   = errors.New("no eligible directory endpoint")
	ErrUserNotFound         = errors.New("user not found in any directory")
	ErrDirectoryUnavailable = errors.New("no directory endpoint could be searched")
)

// NoEligibleEndpointError is returned when no endpoint's pre-filter or friendly
// name matches the request. No connection is opened in that case.
type NoEligibleEndpointError struct {
	Username   string
	DomainHint string
}

func (e *NoEligibleEndpointError) Error() string {
	if e.DomainHint != "" {
		return fmt.Sprintf("no eligible directory endpoint for user %q with domain %q", e.Username, e.DomainHint)
	}
	return fmt.Sprintf("no eligible directory endpoint for user %q", e.Username)
}

func (e *NoEligibleEndpointError) Is(target error) bool {
	return target == ErrNoEligibleEndpoint
}

// EndpointFailure records why a single endpoint attempt failed.
type EndpointFailure struct {
	Endpoint string
	Err      error
}

// NotFoundError is returned when every eligible endpoint was tried and none
// returned a candidate entry.
type NotFoundError struct {
	Username  string
	Endpoints []string
	Failures  []EndpointFailure
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("user %q not found (searched: %s)", e.Username, strings.Join(e.Endpoints, ", "))
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrUserNotFound
}

// UnavailableError is returned when every eligible endpoint failed before a
// search could complete.
type UnavailableError struct {
	Failures []EndpointFailure
}

func (e *UnavailableError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Endpoint, f.Err))
	}
	return "directory unavailable: " + strings.Join(parts, "; ")
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrDirectoryUnavailable
}

func (e *UnavailableError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// LoginFailedError wraps any unexpected fault during a directory login or lookup.
type LoginFailedError struct {
	Username string
	Cause    error
}

func (e *LoginFailedError) Error() string {
	return fmt.Sprintf("login failed for %q: %v", e.Username, e.Cause)
}

func (e *LoginFailedError) Unwrap() error {
	return e.Cause
}

// IsExpectedFailure reports whether err is a negative outcome rather than a fault:
// no eligible endpoint, unknown user, or invalid credentials.
func IsExpectedFailure(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNoEligibleEndpoint) ||
		errors.Is(err, ErrUserNotFound) ||
		hasResultCode(err, ldap.LDAPResultInvalidCredentials)
}

// hasResultCode reports whether any *ldap.Error in err's chain carries code.
func hasResultCode(err error, code uint16) bool {
	var resultErr *ldap.Error
	return errors.As(err, &resultErr) && resultErr.ResultCode == code
}

// ErrorCategory represents different categories of LDAP errors.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryValidation     ErrorCategory = "validation"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// LDAPError provides enhanced error information for a failed directory operation.
type LDAPError struct {
	Operation string        // dial, bind, search, ...
	Endpoint  string        // friendly name of the endpoint
	Category  ErrorCategory // Error category
	LDAPCode  uint16        // LDAP result code
	Message   string        // Human-readable message
	ServerMsg string        // Server-provided message
	Retryable bool          // Whether the error is retryable
	Cause     error         // Underlying error
}

func (e *LDAPError) Error() string {
	var parts []string

	if e.LDAPCode > 0 {
		parts = append(parts, fmt.Sprintf("LDAP %s failed (code %d)", e.Operation, e.LDAPCode))
	} else {
		parts = append(parts, fmt.Sprintf("LDAP %s failed", e.Operation))
	}

	if e.Endpoint != "" {
		parts = append(parts, fmt.Sprintf("endpoint: %s", e.Endpoint))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		parts = append(parts, fmt.Sprintf("server: %s", e.ServerMsg))
	}

	return strings.Join(parts, " - ")
}

func (e *LDAPError) IsRetryable() bool {
	return e.Retryable
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// NewLDAPError classifies err for operation against endpoint.
func NewLDAPError(operation, endpoint string, err error) *LDAPError {
	if err == nil {
		return nil
	}

	ldapErr := &LDAPError{
		Operation: operation,
		Endpoint:  endpoint,
		Cause:     err,
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		ldapErr.LDAPCode = resultErr.ResultCode
		if resultErr.Err != nil {
			ldapErr.ServerMsg = resultErr.Err.Error()
		}
		ldapErr.Category = categorizeError(resultErr.ResultCode)
		ldapErr.Retryable = isLDAPCodeRetryable(resultErr.ResultCode)
		ldapErr.Message = ldap.LDAPResultCodeMap[resultErr.ResultCode]
	} else {
		ldapErr.Category = categorizeGenericError(err)
		ldapErr.Retryable = ldapErr.Category == ErrorCategoryConnection
		ldapErr.Message = err.Error()
	}

	return ldapErr
}

// categorizeError categorizes an error based on LDAP result code.
func categorizeError(code uint16) ErrorCategory {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired:
		return ErrorCategoryAuthentication

	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform:
		return ErrorCategoryPermission

	case ldap.LDAPResultNoSuchObject:
		return ErrorCategoryNotFound

	case ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultFilterError,
		ldap.LDAPResultProtocolError:
		return ErrorCategoryValidation

	case ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultAdminLimitExceeded,
		ldap.LDAPResultSizeLimitExceeded:
		return ErrorCategoryServer

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultConnectError,
		ldap.ErrorNetwork,
		ldap.LDAPResultTimeout:
		return ErrorCategoryConnection

	default:
		return ErrorCategoryUnknown
	}
}

// categorizeGenericError categorizes non-LDAP errors.
func categorizeGenericError(err error) ErrorCategory {
	errStr := strings.ToLower(err.Error())

	for _, s := range []string{"connection", "network", "timeout", "broken pipe", "no such host", "i/o"} {
		if strings.Contains(errStr, s) {
			return ErrorCategoryConnection
		}
	}

	if strings.Contains(errStr, "kerberos") || strings.Contains(errStr, "gssapi") {
		return ErrorCategoryAuthentication
	}

	return ErrorCategoryUnknown
}

// isLDAPCodeRetryable determines if an LDAP error code indicates a transient condition.
func isLDAPCodeRetryable(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultConnectError,
		ldap.ErrorNetwork,
		ldap.LDAPResultTimeout:
		return true
	default:
		return false
	}
}

// GetErrorCategory returns the category of err, or unknown.
func GetErrorCategory(err error) ErrorCategory {
	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Category
	}
	return ErrorCategoryUnknown
}
