// Package pkce verifies Proof Key for Code Exchange (RFC 7636) parameters.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"

	"github.com/dlddu/tiny-idp/internal/domain"
)

const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

var (
	ErrMissingChallenge   = errors.New("code_challenge is required")
	ErrUnsupportedMethod  = errors.New("code_challenge_method not supported")
	ErrPlainNotAllowed    = errors.New("code_challenge_method plain is not allowed for this client")
	ErrMalformedChallenge = errors.New("code_challenge is malformed")
)

// ChallengeS256 derives the S256 challenge for a verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify reports whether verifier satisfies challenge under method. The
// comparison is constant time. Malformed verifiers and unknown methods never
// verify.
func Verify(verifier, challenge, method string) bool {
	if !wellFormed(verifier) || challenge == "" {
		return false
	}

	var computed string
	switch method {
	case domain.ChallengeMethodS256:
		computed = ChallengeS256(verifier)
	case domain.ChallengeMethodPlain:
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// NormalizeMethod applies the RFC default of plain when a challenge arrives
// without a method.
func NormalizeMethod(method string) string {
	if method == "" {
		return domain.ChallengeMethodPlain
	}
	return method
}

// ValidateChallenge checks the authorization request side of PKCE.
func ValidateChallenge(challenge, method string, allowPlain bool) error {
	if challenge == "" {
		return ErrMissingChallenge
	}
	switch NormalizeMethod(method) {
	case domain.ChallengeMethodS256:
		// base64url of a SHA-256 digest is always 43 characters.
		if len(challenge) != 43 || !unreserved(challenge) {
			return ErrMalformedChallenge
		}
	case domain.ChallengeMethodPlain:
		if !allowPlain {
			return ErrPlainNotAllowed
		}
		if !wellFormed(challenge) {
			return ErrMalformedChallenge
		}
	default:
		return ErrUnsupportedMethod
	}
	return nil
}

func wellFormed(v string) bool {
	return len(v) >= MinVerifierLength && len(v) <= MaxVerifierLength && unreserved(v)
}

// unreserved matches ALPHA / DIGIT / "-" / "." / "_" / "~".
func unreserved(v string) bool {
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}
