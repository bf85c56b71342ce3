package acme

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
)

type jwsEnvelope struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// signRequest builds the flattened JWS for one ACME POST. A registered
// account signs with its kid; account creation embeds the public jwk
// instead. A nil payload produces the empty-payload POST-as-GET form.
func signRequest(key *KeyPair, url string, nonce string, payload interface{}, kid string) (string, error) {
	var protected []byte
	var err error
	if kid != "" {
		protected, err = json.Marshal(map[string]interface{}{
			"alg":   "ES256",
			"kid":   kid,
			"nonce": nonce,
			"url":   url,
		})
	} else {
		protected, err = json.Marshal(map[string]interface{}{
			"alg":   "ES256",
			"jwk":   json.RawMessage(key.PublicJWK()),
			"nonce": nonce,
			"url":   url,
		})
	}
	if err != nil {
		return "", errJWS("unable to encode protected header: %v", err)
	}

	protectedB64 := b64url(protected)
	payloadB64 := ""
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", errJWS("unable to encode payload: %v", err)
		}
		payloadB64 = b64url(raw)
	}

	sig, err := key.Sign([]byte(protectedB64 + "." + payloadB64))
	if err != nil {
		return "", err
	}

	out, err := json.Marshal(jwsEnvelope{
		Protected: protectedB64,
		Payload:   payloadB64,
		Signature: b64url(sig),
	})
	if err != nil {
		return "", errJWS("unable to encode jws: %v", err)
	}
	return string(out), nil
}

// EabCredentials carry the CA-issued external account binding material:
// the key identifier and the base64url-encoded HMAC key.
type EabCredentials struct {
	Kid     string
	HmacKey string
}

// externalAccountBinding builds the inner HS256 JWS required by
// directories that set externalAccountRequired: payload is the account's
// public jwk, protected names the operator-provided kid, and the MAC is
// computed with the CA-provided key.
func externalAccountBinding(key *KeyPair, eab *EabCredentials, newAccountUrl string) (json.RawMessage, error) {
	hmacKey, err := base64.RawURLEncoding.DecodeString(eab.HmacKey)
	if err != nil {
		return nil, errJWS("unable to decode eab hmac key: %v", err)
	}
	protected, err := json.Marshal(map[string]interface{}{
		"alg": "HS256",
		"kid": eab.Kid,
		"url": newAccountUrl,
	})
	if err != nil {
		return nil, errJWS("unable to encode eab protected header: %v", err)
	}
	protectedB64 := b64url(protected)
	payloadB64 := b64url([]byte(key.PublicJWK()))

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write([]byte(protectedB64 + "." + payloadB64))

	out, err := json.Marshal(jwsEnvelope{
		Protected: protectedB64,
		Payload:   payloadB64,
		Signature: b64url(mac.Sum(nil)),
	})
	if err != nil {
		return nil, errJWS("unable to encode eab jws: %v", err)
	}
	return json.RawMessage(out), nil
}
