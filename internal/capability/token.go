package capability

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ContentType marks the token as a voice capability grant rather than a plain JWT.
// The provider compares it byte for byte.
const ContentType = "twilio-fpa;v=1"

// Header field order is part of the wire format; keep it a struct, not a map.
type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Cty string `json:"cty"`
}

func DefaultHeader() Header {
	return Header{Alg: jwt.SigningMethodHS256.Alg(), Typ: "JWT", Cty: ContentType}
}

// Claims is the capability payload.
type Claims struct {
	JTI       string `json:"jti"`
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	ExpiresAt int64  `json:"exp"`
	Grants    Grants `json:"grants"`
}

type Grants struct {
	Identity string     `json:"identity"`
	Voice    VoiceGrant `json:"voice"`
}

type VoiceGrant struct {
	Incoming IncomingGrant `json:"incoming"`
	Outgoing OutgoingGrant `json:"outgoing"`
}

type IncomingGrant struct {
	Allow bool `json:"allow"`
}

type OutgoingGrant struct {
	ApplicationSID string `json:"application_sid"`
}

// Signer turns a header and payload into a compact signed token.
type Signer interface {
	Sign(header, payload any, secret []byte) (string, error)
}

// HS256Signer signs with HMAC-SHA256 via the jwt signing method.
type HS256Signer struct{}

func (HS256Signer) Sign(header, payload any, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("capability: signing secret is empty")
	}
	h, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("capability: encode header: %w", err)
	}
	p, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("capability: encode payload: %w", err)
	}

	signingString := encodeSegment(h) + "." + encodeSegment(p)
	sig, err := jwt.SigningMethodHS256.Sign(signingString, secret)
	if err != nil {
		return "", err
	}
	return signingString + "." + encodeSegment(sig), nil
}

func encodeSegment(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

var (
	ErrMalformedToken = errors.New("capability: malformed token")
	ErrBadSignature   = errors.New("capability: signature mismatch")
	ErrWrongType      = errors.New("capability: not a voice capability token")
)

type parsedClaims struct {
	jwt.RegisteredClaims
	Grants Grants `json:"grants"`
}

// Verify checks the signature, content type and expiry of a capability token
// and returns its payload.
func Verify(token string, secret []byte, now time.Time) (Claims, error) {
	if strings.Count(token, ".") != 2 {
		return Claims{}, ErrMalformedToken
	}

	var pc parsedClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	tok, err := parser.ParseWithClaims(token, &pc, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return Claims{}, ErrBadSignature
		}
		return Claims{}, err
	}
	if cty, _ := tok.Header["cty"].(string); cty != ContentType {
		return Claims{}, ErrWrongType
	}

	out := Claims{
		JTI:     pc.ID,
		Issuer:  pc.RegisteredClaims.Issuer,
		Subject: pc.RegisteredClaims.Subject,
		Grants:  pc.Grants,
	}
	if pc.ExpiresAt != nil {
		out.ExpiresAt = pc.ExpiresAt.Unix()
	}
	return out, nil
}
