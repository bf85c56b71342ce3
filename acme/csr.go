package acme

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
)

// CreateCsr generates a fresh 2048-bit RSA certificate key and a CSR with
// a SAN for every requested domain. Both are returned in DER so they can
// be persisted alongside the issued certificate.
func CreateCsr(domains []string) (csrDer []byte, keyDer []byte, err error) {
	if len(domains) == 0 {
		return nil, nil, errClient("csr requires at least one domain")
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, errClient("csr key generation failed: %v", err)
	}
	template := x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: domains[0]},
		DNSNames:           domains,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	csrDer, err = x509.CreateCertificateRequest(rand.Reader, &template, key)
	if err != nil {
		return nil, nil, errClient("unable to build csr: %v", err)
	}
	return csrDer, x509.MarshalPKCS1PrivateKey(key), nil
}
