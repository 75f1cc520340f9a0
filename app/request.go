package app

import (
	"net/url"
	"strings"
)

// Grant type identifiers.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantPassword          = "password"
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
	GrantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// ResponseType is the closed union over the response-type combinations
// the authorization endpoint understands.
type ResponseType int

// Response type arms. Unrecognized values map to ResponseTypeUnknown and
// fail with a typed error instead of dispatching anywhere.
const (
	ResponseTypeUnknown ResponseType = iota
	ResponseTypeNone
	ResponseTypeCode
	ResponseTypeToken
	ResponseTypeIDToken
	ResponseTypeIDTokenToken
	ResponseTypeCodeIDToken
	ResponseTypeCodeToken
	ResponseTypeCodeIDTokenToken
)

// ParseResponseType normalizes the space-separated response_type value.
// Order is not significant on the wire.
func ParseResponseType(value string) ResponseType {
	if value == "" {
		return ResponseTypeNone
	}
	var code, token, idToken bool
	for _, part := range strings.Fields(value) {
		switch part {
		case "code":
			code = true
		case "token":
			token = true
		case "id_token":
			idToken = true
		default:
			return ResponseTypeUnknown
		}
	}
	switch {
	case code && idToken && token:
		return ResponseTypeCodeIDTokenToken
	case code && idToken:
		return ResponseTypeCodeIDToken
	case code && token:
		return ResponseTypeCodeToken
	case code:
		return ResponseTypeCode
	case idToken && token:
		return ResponseTypeIDTokenToken
	case idToken:
		return ResponseTypeIDToken
	case token:
		return ResponseTypeToken
	default:
		return ResponseTypeUnknown
	}
}

// IncludesCode reports whether the union arm carries an authorization code.
func (rt ResponseType) IncludesCode() bool {
	switch rt {
	case ResponseTypeCode, ResponseTypeCodeIDToken, ResponseTypeCodeToken, ResponseTypeCodeIDTokenToken:
		return true
	}
	return false
}

// IncludesToken reports whether the union arm carries an access token.
func (rt ResponseType) IncludesToken() bool {
	switch rt {
	case ResponseTypeToken, ResponseTypeIDTokenToken, ResponseTypeCodeToken, ResponseTypeCodeIDTokenToken:
		return true
	}
	return false
}

// IncludesIDToken reports whether the union arm carries an ID Token.
func (rt ResponseType) IncludesIDToken() bool {
	switch rt {
	case ResponseTypeIDToken, ResponseTypeIDTokenToken, ResponseTypeCodeIDToken, ResponseTypeCodeIDTokenToken:
		return true
	}
	return false
}

// UsesFragment reports whether the response returns in the URI fragment
// (any arm carrying a token or ID Token directly).
func (rt ResponseType) UsesFragment() bool {
	return rt.IncludesToken() || rt.IncludesIDToken()
}

// Request is the flat parameter set of one endpoint call. Repeating a
// parameter where repetition is disallowed marks the whole request
// illegal; it is rejected before any store access.
type Request struct {
	params  map[string]string
	illegal bool
}

// ParseRequest flattens form/query values into a Request.
func ParseRequest(values url.Values) *Request {
	req := &Request{params: make(map[string]string, len(values))}
	for key, list := range values {
		if len(list) > 1 {
			req.illegal = true
		}
		if len(list) > 0 {
			req.params[key] = list[0]
		}
	}
	return req
}

// Illegal reports whether any parameter repeated.
func (r *Request) Illegal() bool { return r.illegal }

// Get returns the named parameter, "" when absent.
func (r *Request) Get(key string) string { return r.params[key] }

// Has reports whether the named parameter was sent at all.
func (r *Request) Has(key string) bool {
	_, ok := r.params[key]
	return ok
}

// AuthorizationRequest is the parsed /authorize call.
type AuthorizationRequest struct {
	ResponseType        ResponseType
	RawResponseType     string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	MaxAge              int64
	Resource            string
	Prompt              string
}

// TokenRequest is the parsed /token call.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	Username     string
	Password     string
	RefreshToken string
	DeviceCode   string
	Scope        string
	Resource     string
}
