package core

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/assetsart/easy-proxy/log"
)

const (
	TLS_TYPE_CUSTOM = "custom"
	TLS_TYPE_ACME   = "acme"

	// Certificates are reissued once they are within this window of
	// their notAfter.
	renewBeforeExpiry = 5 * 86400
)

// AcmeRequest is one pending issuance surfaced by the route compiler:
// the tls entry plus every host that needs a cert under it.
type AcmeRequest struct {
	TlsName string
	Acme    Acme
	Domains []string
}

func (r *AcmeRequest) addDomain(domain string) {
	for _, d := range r.Domains {
		if d == domain {
			return
		}
	}
	r.Domains = append(r.Domains, domain)
}

func queueAcmeRequest(requests map[string]*AcmeRequest, t *Tls, host string) {
	req, ok := requests[t.Name]
	if !ok {
		req = &AcmeRequest{TlsName: t.Name, Acme: *t.Acme}
		requests[t.Name] = req
	}
	req.addDomain(host)
}

// loadCert builds the TlsStore entry for one host. Custom entries read
// their PEM material from disk; acme entries are served from the AcmeStore
// when a usable cert exists, and queued for issuance otherwise. A nil
// return with nil error means the host stays TLS-less for this snapshot.
func loadCert(acmeStore *AcmeStore, t *Tls, host string, requests map[string]*AcmeRequest) (*tls.Certificate, error) {
	switch t.TlsType {
	case TLS_TYPE_CUSTOM:
		certPem, err := os.ReadFile(t.Cert)
		if err != nil {
			log.Warning("tls '%s': unable to read cert file: %v", t.Name, err)
			return nil, nil
		}
		keyPem, err := os.ReadFile(t.Key)
		if err != nil {
			log.Warning("tls '%s': unable to read key file: %v", t.Name, err)
			return nil, nil
		}
		for _, chainPath := range t.Chain {
			chainPem, err := os.ReadFile(chainPath)
			if err != nil {
				log.Warning("tls '%s': unable to read chain file: %v", t.Name, err)
				return nil, nil
			}
			certPem = append(certPem, '\n')
			certPem = append(certPem, chainPem...)
		}
		cert, err := tls.X509KeyPair(certPem, keyPem)
		if err != nil {
			log.Warning("tls '%s': unable to parse key pair: %v", t.Name, err)
			return nil, nil
		}
		cert.Leaf, _ = x509.ParseCertificate(cert.Certificate[0])
		return &cert, nil

	case TLS_TYPE_ACME:
		orderId, ok := acmeStore.OrderForHost(host)
		if !ok {
			queueAcmeRequest(requests, t, host)
			return nil, nil
		}
		cert, expiry, err := acmeStore.Certificate(orderId)
		if err != nil {
			log.Warning("tls '%s': stored cert for %s unusable: %v", t.Name, host, err)
			queueAcmeRequest(requests, t, host)
			return nil, nil
		}
		if expiry-renewBeforeExpiry < time.Now().Unix() {
			log.Info("tls: renewing cert for %s", host)
			queueAcmeRequest(requests, t, host)
		}
		return cert, nil
	}
	return nil, nil
}

// DevCerts hands out self-signed certificates chained to a locally
// generated root CA. Developer mode only; lets the HTTPS path run without
// an ACME round-trip.
type DevCerts struct {
	caCert tls.Certificate
	cache  map[string]*tls.Certificate
	mtx    sync.Mutex
}

func NewDevCerts(dir string) (*DevCerts, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	d := &DevCerts{cache: make(map[string]*tls.Certificate)}
	if err := d.loadOrCreateCA(dir); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DevCerts) loadOrCreateCA(dir string) error {
	keyPath := filepath.Join(dir, "ca.key")
	certPath := filepath.Join(dir, "ca.crt")

	keyPem, keyErr := os.ReadFile(keyPath)
	certPem, certErr := os.ReadFile(certPath)
	if keyErr == nil && certErr == nil {
		ca, err := tls.X509KeyPair(certPem, keyPem)
		if err == nil {
			d.caCert = ca
			return nil
		}
		log.Warning("tls: stored developer CA is corrupted, regenerating")
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return err
	}
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Easy Proxy Developer CA"},
			CommonName:   "Easy Proxy Developer Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return err
	}
	certPem = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPem = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyPath, keyPem, 0600); err != nil {
		return err
	}
	if err := os.WriteFile(certPath, certPem, 0600); err != nil {
		return err
	}
	d.caCert, err = tls.X509KeyPair(certPem, keyPem)
	return err
}

func (d *DevCerts) CertFor(host string) (*tls.Certificate, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if cert, ok := d.cache[host]; ok {
		return cert, nil
	}

	x509ca, err := x509.ParseCertificate(d.caCert.Certificate[0])
	if err != nil {
		return nil, err
	}
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Issuer:                x509ca.Subject,
		Subject:               pkix.Name{CommonName: host},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(180 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              []string{host},
		BasicConstraintsValid: true,
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, x509ca, &key.PublicKey, d.caCert.PrivateKey)
	if err != nil {
		return nil, err
	}
	cert := &tls.Certificate{
		Certificate: [][]byte{der, d.caCert.Certificate[0]},
		PrivateKey:  key,
	}
	cert.Leaf, _ = x509.ParseCertificate(der)
	d.cache[host] = cert
	return cert, nil
}
