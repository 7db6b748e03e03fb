package dataplane

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/codefionn/hubgate/hubgate-srv/transport"
)

// Error represents a data-plane error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and its table description.
func NewError(code string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: GetErrorDescription(code),
		Cause:       cause,
	}
}

// Data-plane error codes
const (
	// Validation Errors (E1000-E1999)
	ErrCodeEmptyRequest       = "E1001"
	ErrCodeMissingField       = "E1002"
	ErrCodeInvalidHostname    = "E1003"
	ErrCodeInvalidPath        = "E1004"
	ErrCodeInvalidQueryString = "E1005"
	ErrCodeInvalidMethod      = "E1006"
	ErrCodeInvalidAPIVersion  = "E1007"
	ErrCodeInvalidAccessToken = "E1008"
	ErrCodeUnvalidatedRequest = "E1009"
	ErrCodeMalformedRequest   = "E1010"

	// Transport Errors (E2000-E2999)
	ErrCodeConnectionFailed = "E2001"
	ErrCodeTimeout          = "E2002"
	ErrCodeTLSFailed        = "E2003"
	ErrCodeRedirectBlocked  = "E2004"
	ErrCodeDestinationBlock = "E2005"
	ErrCodeForwardFailed    = "E2006"
	ErrCodeDNSFailed        = "E2007"
	ErrCodeNoProtection     = "E2008"

	// Response Errors (E3000-E3999)
	ErrCodeNoResponse        = "E3001"
	ErrCodeInvalidJSON       = "E3002"
	ErrCodeBodyTooLarge      = "E3003"
	ErrCodeInvalidStatusCode = "E3004"
	ErrCodeBodyReadFailed    = "E3005"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeEmptyRequest:       "Request is empty",
	ErrCodeMissingField:       "Required request field is missing",
	ErrCodeInvalidHostname:    "Host name is not a valid IoT hub host name",
	ErrCodeInvalidPath:        "Path contains characters or segments that are not allowed",
	ErrCodeInvalidQueryString: "Query string contains characters that are not allowed",
	ErrCodeInvalidMethod:      "HTTP method is not allowed",
	ErrCodeInvalidAPIVersion:  "API version is not valid",
	ErrCodeInvalidAccessToken: "Access token is not a valid header value",
	ErrCodeUnvalidatedRequest: "Request has not been validated",
	ErrCodeMalformedRequest:   "Request body is not a valid data-plane request",

	ErrCodeConnectionFailed: "Failed to connect to the data-plane endpoint",
	ErrCodeTimeout:          "Data-plane call timed out",
	ErrCodeTLSFailed:        "TLS handshake with the data-plane endpoint failed",
	ErrCodeRedirectBlocked:  "Data-plane endpoint answered with a redirect, which is not followed",
	ErrCodeDestinationBlock: "Destination address is not allowed",
	ErrCodeForwardFailed:    "Upstream forward proxy failed",
	ErrCodeDNSFailed:        "Failed to resolve the data-plane host",
	ErrCodeNoProtection:     "Request filtering is unavailable and protection is required",

	ErrCodeNoResponse:        "No response received",
	ErrCodeInvalidJSON:       "Response body is not valid JSON",
	ErrCodeBodyTooLarge:      "Response body exceeds the configured limit",
	ErrCodeInvalidStatusCode: "Device status header is not an integer",
	ErrCodeBodyReadFailed:    "Failed to read the response body",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// NewValidationError creates a validation error; detail names the offending field.
func NewValidationError(code, detail string) *Error {
	var cause error
	if detail != "" {
		cause = errors.New(detail)
	}
	return NewError(code, cause)
}

// NewTransportError creates a transport error
func NewTransportError(code string, cause error) *Error {
	return NewError(code, cause)
}

// NewResponseError creates a response parse error
func NewResponseError(code string, cause error) *Error {
	return NewError(code, cause)
}

func codeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsValidationError checks if the error is validation-related
func IsValidationError(err error) bool {
	code := codeOf(err)
	return code >= "E1000" && code < "E2000"
}

// IsTransportError checks if the error is transport-related
func IsTransportError(err error) bool {
	code := codeOf(err)
	return code >= "E2000" && code < "E3000"
}

// IsResponseError checks if the error is response-related
func IsResponseError(err error) bool {
	code := codeOf(err)
	return code >= "E3000" && code < "E4000"
}

// classifyTransportError maps a failed round trip onto a transport code.
func classifyTransportError(err error) *Error {
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}

	var blocked *transport.BlockedError
	if errors.As(err, &blocked) {
		return NewTransportError(ErrCodeDestinationBlock, blocked)
	}
	if errors.Is(err, errRedirect) {
		return NewTransportError(ErrCodeRedirectBlocked, err)
	}
	var fwdErr *transport.ForwardError
	if errors.As(err, &fwdErr) {
		return NewTransportError(ErrCodeForwardFailed, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransportError(ErrCodeTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTransportError(ErrCodeTimeout, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewTransportError(ErrCodeDNSFailed, err)
	}
	if strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "x509:") {
		return NewTransportError(ErrCodeTLSFailed, err)
	}
	return NewTransportError(ErrCodeConnectionFailed, err)
}
