package app

import (
	"net/url"
	"testing"
)

func TestParseResponseType(t *testing.T) {
	cases := []struct {
		value string
		want  ResponseType
	}{
		{"", ResponseTypeNone},
		{"code", ResponseTypeCode},
		{"token", ResponseTypeToken},
		{"id_token", ResponseTypeIDToken},
		{"id_token token", ResponseTypeIDTokenToken},
		{"token id_token", ResponseTypeIDTokenToken},
		{"code id_token", ResponseTypeCodeIDToken},
		{"code token", ResponseTypeCodeToken},
		{"code id_token token", ResponseTypeCodeIDTokenToken},
		{"token code id_token", ResponseTypeCodeIDTokenToken},
		{"code  token", ResponseTypeCodeToken},
		{"code2", ResponseTypeUnknown},
		{"code unknown", ResponseTypeUnknown},
	}
	for _, tc := range cases {
		if got := ParseResponseType(tc.value); got != tc.want {
			t.Errorf("ParseResponseType(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestResponseTypeUsesFragment(t *testing.T) {
	fragment := []ResponseType{
		ResponseTypeToken, ResponseTypeIDToken, ResponseTypeIDTokenToken,
		ResponseTypeCodeIDToken, ResponseTypeCodeToken, ResponseTypeCodeIDTokenToken,
	}
	for _, rt := range fragment {
		if !rt.UsesFragment() {
			t.Errorf("%v should return in the fragment", rt)
		}
	}
	if ResponseTypeCode.UsesFragment() {
		t.Error("plain code should return in the query")
	}
	if ResponseTypeNone.UsesFragment() {
		t.Error("none should return in the query")
	}
}

func TestResponseTypeComponents(t *testing.T) {
	rt := ResponseTypeCodeIDTokenToken
	if !rt.IncludesCode() || !rt.IncludesToken() || !rt.IncludesIDToken() {
		t.Fatal("hybrid arm should carry all three components")
	}
	if ResponseTypeIDToken.IncludesCode() || ResponseTypeIDToken.IncludesToken() {
		t.Fatal("id_token alone should carry nothing else")
	}
}

func TestParseRequestRejectsRepeatedParameters(t *testing.T) {
	req := ParseRequest(url.Values{
		"client_id": {"client-1"},
		"scope":     {"openid", "profile"},
	})
	if !req.Illegal() {
		t.Fatal("repeated parameter not flagged")
	}

	req = ParseRequest(url.Values{"client_id": {"client-1"}, "scope": {"openid"}})
	if req.Illegal() {
		t.Fatal("well-formed request flagged illegal")
	}
	if req.Get("client_id") != "client-1" {
		t.Fatalf("client_id = %q", req.Get("client_id"))
	}
}

func TestRequestHasDistinguishesEmptyFromAbsent(t *testing.T) {
	req := ParseRequest(url.Values{"response_type": {""}})
	if !req.Has("response_type") {
		t.Fatal("sent-but-empty parameter reported absent")
	}
	if req.Has("state") {
		t.Fatal("unsent parameter reported present")
	}
	if req.Get("state") != "" {
		t.Fatalf("absent parameter returned %q", req.Get("state"))
	}
}
