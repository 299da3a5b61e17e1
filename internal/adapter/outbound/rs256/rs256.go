// Package rs256 is the default token Verifier: a minimal, dependency-free
// RS256 compact-token signature check and claims decoder. Signature
// verification here is a single fixed algorithm against a configured key,
// not a general JWT surface, so it is implemented directly against the
// standard library crypto packages.
package rs256

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vsstree/server/internal/domain/access"
	"github.com/vsstree/server/internal/domain/authn"
	"github.com/vsstree/server/internal/domain/vsspath"
)

// Payload is the wire shape of the token's second (claims) segment.
type Payload struct {
	Subject     string       `json:"sub"`
	Issuer      string       `json:"iss"`
	Expiry      int64        `json:"exp"`
	ModifyTree  bool         `json:"modifyTree"`
	Permissions []Permission `json:"permissions"`
}

// Permission binds a path pattern to the right it grants.
type Permission struct {
	Pattern string `json:"pattern"`
	Right   string `json:"right"`
}

// Verifier checks the signature of a compact "header.payload.signature"
// token against an RSA public key and decodes its payload into
// authn.Claims. The key is held in an atomic.Value so UpdateKey can swap it
// without blocking concurrent Verify calls.
type Verifier struct {
	key atomic.Value // stores *rsa.PublicKey
}

// New returns a Verifier that checks signatures against pub.
func New(pub *rsa.PublicKey) *Verifier {
	v := &Verifier{}
	v.key.Store(pub)
	return v
}

// UpdateKey swaps the active public key atomically.
func (v *Verifier) UpdateKey(pub *rsa.PublicKey) {
	v.key.Store(pub)
}

// LoadPublicKeyPEM reads an RSA public key from PEM-encoded data, accepting
// either a bare PKIX public key block or an X.509 certificate.
func LoadPublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("rs256: no PEM block found")
	}

	if block.Type == "CERTIFICATE" {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("rs256: parsing certificate: %w", err)
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("rs256: certificate does not carry an RSA public key")
		}
		return pub, nil
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("rs256: parsing public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("rs256: public key is not RSA")
	}
	return rsaPub, nil
}

// Verify checks token's signature and decodes its claims.
func (v *Verifier) Verify(token string) (authn.Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return authn.Claims{}, fmt.Errorf("rs256: malformed token")
	}
	header, payload, sig := parts[0], parts[1], parts[2]

	pub, _ := v.key.Load().(*rsa.PublicKey)
	if pub == nil {
		return authn.Claims{}, fmt.Errorf("rs256: no public key configured")
	}

	sigBytes, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return authn.Claims{}, fmt.Errorf("rs256: decoding signature: %w", err)
	}
	sum := sha256.Sum256([]byte(header + "." + payload))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum[:], sigBytes); err != nil {
		return authn.Claims{}, fmt.Errorf("rs256: signature verification failed: %w", err)
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return authn.Claims{}, fmt.Errorf("rs256: decoding payload: %w", err)
	}
	var claims Payload
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return authn.Claims{}, fmt.Errorf("rs256: decoding claims: %w", err)
	}

	rules := make([]access.Rule, 0, len(claims.Permissions))
	for _, p := range claims.Permissions {
		pattern, err := vsspath.FromVSS(p.Pattern)
		if err != nil {
			return authn.Claims{}, fmt.Errorf("rs256: permission pattern %q: %w", p.Pattern, err)
		}
		right, err := access.ParseRight(p.Right)
		if err != nil {
			return authn.Claims{}, fmt.Errorf("rs256: permission right %q: %w", p.Right, err)
		}
		rules = append(rules, access.Rule{Pattern: pattern, Right: right})
	}

	return authn.Claims{
		Subject:    claims.Subject,
		Issuer:     claims.Issuer,
		Expiry:     time.Unix(claims.Expiry, 0),
		ModifyTree: claims.ModifyTree,
		Rules:      rules,
	}, nil
}

var tokenHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))

// Sign builds a compact "header.payload.signature" token carrying payload,
// signed with priv. The server only ever verifies; signing exists for the
// gentoken command and for tests.
func Sign(priv *rsa.PrivateKey, payload Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("rs256: encoding claims: %w", err)
	}
	signingInput := tokenHeader + "." + base64.RawURLEncoding.EncodeToString(body)
	sum := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, sum[:])
	if err != nil {
		return "", fmt.Errorf("rs256: signing: %w", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// LoadPrivateKeyPEM reads an RSA private key from PEM-encoded data,
// accepting either a PKCS#1 or a PKCS#8 block.
func LoadPrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("rs256: no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("rs256: parsing private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("rs256: private key is not RSA")
	}
	return rsaKey, nil
}

var _ authn.Verifier = (*Verifier)(nil)
