package app

import "strings"

// DiscoveryDocument is the OIDC provider metadata document.
type DiscoveryDocument map[string]any

// BuildDiscoveryDocument constructs the document served at
// /.well-known/openid-configuration.
func BuildDiscoveryDocument(issuer string) DiscoveryDocument {
	issuer = strings.TrimSuffix(issuer, "/")
	return DiscoveryDocument{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"device_authorization_endpoint":         issuer + "/device_authorization",
		"userinfo_endpoint":                     issuer + "/userinfo",
		"registration_endpoint":                 issuer + "/register",
		"introspection_endpoint":                issuer + "/introspect",
		"revocation_endpoint":                   issuer + "/revoke",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"response_types_supported":              supportedResponseTypes,
		"grant_types_supported":                 supportedGrantTypes,
		"subject_types_supported":               []string{SubjectTypePublic, SubjectTypePairwise},
		"id_token_signing_alg_values_supported": supportedIDTokenAlgs,
		"code_challenge_methods_supported":      []string{"S256", "plain"},
		"scopes_supported":                      []string{"openid", "profile", "email", "phone", "address", "offline_access"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
	}
}
