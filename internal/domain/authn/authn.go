// Package authn implements the channel authenticator: verifying a bearer
// token against a configured public key and, on success, populating a
// channel's permission set and expiry.
package authn

import (
	"sync/atomic"
	"time"

	"github.com/alexedwards/argon2id"

	"github.com/vsstree/server/internal/domain/access"
	"github.com/vsstree/server/internal/domain/channel"
)

// Claims is the minimal set of fields every supported token format must
// carry.
type Claims struct {
	Subject    string
	Issuer     string
	Expiry     time.Time
	ModifyTree bool
	Rules      []access.Rule
}

// Verifier checks a token's signature and decodes its claims. rs256.Verifier
// in the rs256 adapter package is the default implementation; it is defined
// as an interface here so the authenticator never depends on a concrete
// signature scheme.
type Verifier interface {
	Verify(token string) (Claims, error)
}

// Authenticator validates tokens presented on a channel and wires the
// resulting permissions onto it. The active Verifier is held in an
// atomic.Value so UpdatePublicKey can swap it without locking the
// validation hot path.
type Authenticator struct {
	verifier  atomic.Value // stores Verifier
	cacheSize int
}

// New returns an Authenticator using verifier, caching up to cacheSize
// access decisions per authenticated channel.
func New(verifier Verifier, cacheSize int) *Authenticator {
	a := &Authenticator{cacheSize: cacheSize}
	a.verifier.Store(verifier)
	return a
}

// UpdatePublicKey swaps the active verifier atomically; in-flight
// validations on other goroutines either see the old or the new verifier,
// never a partially-updated one.
func (a *Authenticator) UpdatePublicKey(verifier Verifier) {
	a.verifier.Store(verifier)
}

// Authenticate validates token and, on success, authorizes ch. Returns a
// signed status code: negative means reject, zero means accept. A rejected
// token leaves ch unauthorized, and the command processor answers every
// command on an unauthorized channel with a Forbidden response.
func (a *Authenticator) Authenticate(ch *channel.Channel, token string) int {
	verifier, _ := a.verifier.Load().(Verifier)
	if verifier == nil {
		return -1
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		return -1
	}
	if !claims.Expiry.IsZero() && !time.Now().Before(claims.Expiry) {
		return -2
	}

	ch.Authorized = true
	ch.ModifyTree = claims.ModifyTree
	ch.TokenExpiry = claims.Expiry
	ch.Permissions = access.NewChecker(claims.Rules, a.cacheSize)
	return 0
}

// IsStillValid reports whether ch's token has not yet expired.
func IsStillValid(ch *channel.Channel) bool {
	return ch.Authorized && !ch.TokenExpired(time.Now())
}

// tokenHashParams sets OWASP-minimum Argon2id parameters for hashing bearer
// tokens before they reach a log line.
var tokenHashParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashToken returns an argon2id hash of token suitable for log output, so
// raw bearer tokens never reach a log line.
func HashToken(token string) (string, error) {
	return argon2id.CreateHash(token, tokenHashParams)
}
