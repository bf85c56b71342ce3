package acme

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// KeyPair is the ES256 account key. Stored as PKCS#8 DER so it can live
// inside the acme store's JSON.
type KeyPair struct {
	key *ecdsa.PrivateKey
	// Pkcs8Bytes is the serialized private key as persisted.
	Pkcs8Bytes []byte
}

func GenerateKeyPair() (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errClient("key generation failed: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errClient("key serialization failed: %v", err)
	}
	return &KeyPair{key: key, Pkcs8Bytes: der}, nil
}

func KeyPairFromPkcs8(der []byte) (*KeyPair, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errClient("unable to parse account key: %v", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errClient("account key is not an ECDSA key")
	}
	return &KeyPair{key: key, Pkcs8Bytes: der}, nil
}

func b64url(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// fixed-width big-endian coordinate encoding for P-256.
func pad32(b []byte) []byte {
	if len(b) >= 32 {
		return b
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

// PublicJWK renders the public key as a JWK with the members in
// lexicographic order, the form RFC 7638 thumbprints are computed over.
func (k *KeyPair) PublicJWK() string {
	x := b64url(pad32(k.key.PublicKey.X.Bytes()))
	y := b64url(pad32(k.key.PublicKey.Y.Bytes()))
	return fmt.Sprintf(`{"crv":"P-256","kty":"EC","x":"%s","y":"%s"}`, x, y)
}

func (k *KeyPair) Thumbprint() string {
	sum := sha256.Sum256([]byte(k.PublicJWK()))
	return b64url(sum[:])
}

// Sign produces the raw r||s ES256 signature over data.
func (k *KeyPair) Sign(data []byte) ([]byte, error) {
	sum := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, k.key, sum[:])
	if err != nil {
		return nil, errJWS("signing failed: %v", err)
	}
	sig := make([]byte, 64)
	copy(sig[:32], pad32(r.Bytes()))
	copy(sig[32:], pad32(s.Bytes()))
	return sig, nil
}
