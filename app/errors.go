package app

import "net/http"

// RFC 6749/7009/7591/8628 error codes plus the OIDC prompt errors.
const (
	ErrInvalidRequest              = "invalid_request"
	ErrInvalidClient               = "invalid_client"
	ErrInvalidGrant                = "invalid_grant"
	ErrUnauthorizedClient          = "unauthorized_client"
	ErrUnsupportedGrantType        = "unsupported_grant_type"
	ErrInvalidScope                = "invalid_scope"
	ErrAccessDenied                = "access_denied"
	ErrUnsupportedResponseType     = "unsupported_response_type"
	ErrServerError                 = "server_error"
	ErrTemporarilyUnavailable      = "temporarily_unavailable"
	ErrInvalidToken                = "invalid_token"
	ErrInsufficientScope           = "insufficient_scope"
	ErrUnsupportedTokenType        = "unsupported_token_type"
	ErrInvalidRedirectURI          = "invalid_redirect_uri"
	ErrInvalidClientMetadata       = "invalid_client_metadata"
	ErrInvalidSoftwareStatement    = "invalid_software_statement"
	ErrUnapprovedSoftwareStatement = "unapproved_software_statement"
	ErrAuthorizationPending        = "authorization_pending"
	ErrSlowDown                    = "slow_down"
	ErrExpiredToken                = "expired_token"
	ErrLoginRequired               = "login_required"
	ErrConsentRequired             = "consent_required"
	ErrInteractionRequired         = "interaction_required"
	ErrAccountSelectionRequired    = "account_selection_required"
)

// Error is the protocol error object returned by every endpoint. It
// propagates as a value; handlers render it as the response body or fold
// it into the redirect.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// NewError builds a protocol error with a human-readable description.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// StatusCode maps the error code to the RFC-mandated HTTP status.
func (e *Error) StatusCode() int {
	switch e.Code {
	case ErrInvalidClient, ErrInvalidToken:
		return http.StatusUnauthorized
	case ErrAccessDenied, ErrInsufficientScope:
		return http.StatusForbidden
	case ErrServerError:
		return http.StatusInternalServerError
	case ErrTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// AsError coerces any error into a protocol error, wrapping unexpected
// failures as server_error so low-level causes never reach the wire.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if oe, ok := err.(*Error); ok {
		return oe
	}
	return &Error{Code: ErrServerError, Description: "internal error"}
}
