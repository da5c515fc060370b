// Package auth extracts client credentials and bearer tokens from requests.
package auth

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

var (
	ErrEmptyHeader        = errors.New("authorization header is empty")
	ErrInvalidScheme      = errors.New("invalid authorization scheme")
	ErrInvalidBase64      = errors.New("invalid base64 encoding")
	ErrInvalidCredentials = errors.New("invalid credentials format")
	ErrEmptyClientID      = errors.New("client_id cannot be empty")
	ErrMultipleMethods    = errors.New("client credentials supplied by more than one method")
	ErrNoCredentials      = errors.New("no client credentials supplied")
)

// Method records how a client presented its credentials.
type Method string

const (
	MethodBasic Method = "client_secret_basic"
	MethodPost  Method = "client_secret_post"
	// MethodNone is a public client sending only client_id.
	MethodNone Method = "none"
)

// Credentials are the client identity presented on a back-channel request.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Method       Method
}

// ParseBasicAuth parses "Basic base64(client_id:client_secret)". Both halves
// are form-urlencoded before base64 encoding (RFC 6749 section 2.3.1), so
// they are unescaped here.
func ParseBasicAuth(header string) (clientID, clientSecret string, err error) {
	if header == "" {
		return "", "", ErrEmptyHeader
	}

	scheme, encoded, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return "", "", ErrInvalidScheme
	}

	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return "", "", ErrInvalidBase64
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", ErrInvalidBase64
	}

	// Split on the first colon only, the secret may contain more.
	rawID, rawSecret, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", ErrInvalidCredentials
	}

	if clientID, err = url.QueryUnescape(rawID); err != nil {
		return "", "", ErrInvalidCredentials
	}
	if clientSecret, err = url.QueryUnescape(rawSecret); err != nil {
		return "", "", ErrInvalidCredentials
	}
	if clientID == "" {
		return "", "", ErrEmptyClientID
	}

	return clientID, clientSecret, nil
}

// ClientCredentials reads client credentials from the Authorization header or
// the form body. The form must already be parsed. Using both methods at once
// is rejected.
func ClientCredentials(r *http.Request) (Credentials, error) {
	header := r.Header.Get("Authorization")
	formID := r.PostForm.Get("client_id")
	formSecret := r.PostForm.Get("client_secret")

	if header != "" {
		if formSecret != "" {
			return Credentials{}, ErrMultipleMethods
		}
		id, secret, err := ParseBasicAuth(header)
		if err != nil {
			return Credentials{}, err
		}
		if formID != "" && formID != id {
			return Credentials{}, ErrMultipleMethods
		}
		return Credentials{ClientID: id, ClientSecret: secret, Method: MethodBasic}, nil
	}

	if formID == "" {
		return Credentials{}, ErrNoCredentials
	}
	if formSecret == "" {
		return Credentials{ClientID: formID, Method: MethodNone}, nil
	}
	return Credentials{ClientID: formID, ClientSecret: formSecret, Method: MethodPost}, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
