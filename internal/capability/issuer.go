package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"recruit-voice/internal/config"

	"github.com/google/uuid"
)

var ErrMissingConfig = errors.New("capability: missing configuration")

// Token is an issued capability token plus the metadata callers need to
// schedule renewal. Value is the only part sent to the provider.
type Token struct {
	Value     string    `json:"token"`
	Identity  string    `json:"identity"`
	JTI       string    `json:"-"`
	IssuedAt  time.Time `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer mints voice capability tokens for one calling application.
// It is stateless; two calls differ only in jti and exp.
type Issuer struct {
	accountSID      string
	apiKeySID       string
	apiKeySecret    []byte
	applicationSID  string
	ttl             time.Duration
	defaultIdentity string

	signer Signer
	clock  func() time.Time
}

func NewIssuer(cfg config.TwilioConfig) (*Issuer, error) {
	if missing := cfg.MissingTwilio(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = config.DefaultTokenTTL
	}
	identity := cfg.DefaultIdentity
	if identity == "" {
		identity = config.DefaultIdentity
	}
	return &Issuer{
		accountSID:      cfg.AccountSID,
		apiKeySID:       cfg.APIKeySID,
		apiKeySecret:    []byte(cfg.APIKeySecret),
		applicationSID:  cfg.TwimlAppSID,
		ttl:             ttl,
		defaultIdentity: identity,
		signer:          HS256Signer{},
		clock:           time.Now,
	}, nil
}

// WithSigner swaps the signing primitive.
func (i *Issuer) WithSigner(s Signer) *Issuer {
	i.signer = s
	return i
}

func (i *Issuer) DefaultIdentity() string { return i.defaultIdentity }

// Issue builds a token for identity valid from now until now+TTL.
// An empty identity falls back to the configured default.
func (i *Issuer) Issue(now time.Time, identity string) (Token, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		identity = i.defaultIdentity
	}

	jti := i.apiKeySID + "-" + uuid.NewString()
	exp := now.Add(i.ttl)
	claims := Claims{
		JTI:       jti,
		Issuer:    i.apiKeySID,
		Subject:   i.accountSID,
		ExpiresAt: exp.Unix(),
		Grants: Grants{
			Identity: identity,
			Voice: VoiceGrant{
				Incoming: IncomingGrant{Allow: true},
				Outgoing: OutgoingGrant{ApplicationSID: i.applicationSID},
			},
		},
	}

	value, err := i.signer.Sign(DefaultHeader(), claims, i.apiKeySecret)
	if err != nil {
		return Token{}, err
	}
	return Token{
		Value:     value,
		Identity:  identity,
		JTI:       jti,
		IssuedAt:  now,
		ExpiresAt: time.Unix(exp.Unix(), 0),
	}, nil
}

// Token issues against the wall clock. It lets the issuer act as the token
// source of an in-process phone session.
func (i *Issuer) Token(ctx context.Context, identity string) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	return i.Issue(i.clock(), identity)
}
