package core

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"

	"github.com/assetsart/easy-proxy/log"
)

// AcmeStore is the on-disk record of ACME state: issued certificates,
// account keys and expiry bookkeeping. Every mutation is persisted with a
// write-to-temp-and-rename so a crash never leaves a torn file; a crash
// between issuance and save simply loses the cert and the manager
// re-enqueues it on the next publish.

type AcmeAccount struct {
	Kid     string `json:"kid"`
	KeyPair []byte `json:"key_pair"`
}

type acmeAccountEntry struct {
	Provider string      `json:"provider"`
	Account  AcmeAccount `json:"account"`
}

type AcmeCertificate struct {
	AccountKid string   `json:"account_kid"`
	KeyDer     []byte   `json:"key_der"`
	CertPem    []byte   `json:"cert"`
	CsrDer     []byte   `json:"csr"`
	ChainPem   [][]byte `json:"chain"`
}

type acmeExpiry struct {
	TlsName string `json:"tls_name"`
	Expires int64  `json:"expires"`
}

type acmeStoreData struct {
	Hostnames map[string]string           `json:"hostnames"`
	Accounts  map[string]acmeAccountEntry `json:"accounts"`
	Certs     map[string]AcmeCertificate  `json:"acme_certs"`
	Expires   map[string]acmeExpiry       `json:"acme_expires"`
}

type AcmeStore struct {
	path string
	mtx  sync.Mutex
	data acmeStoreData
}

func NewAcmeStore(path string) (*AcmeStore, error) {
	s := &AcmeStore{
		path: path,
		data: acmeStoreData{
			Hostnames: make(map[string]string),
			Accounts:  make(map[string]acmeAccountEntry),
			Certs:     make(map[string]AcmeCertificate),
			Expires:   make(map[string]acmeExpiry),
		},
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errConfig("unable to read acme store %s: %v", path, err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, errConfig("unable to create acme store directory: %v", err)
		}
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, errConfig("unable to parse acme store %s: %v", path, err)
	}
	return s, nil
}

func (s *AcmeStore) save() error {
	raw, err := json.Marshal(&s.data)
	if err != nil {
		return errConfig("unable to serialize acme store: %v", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return errConfig("unable to save acme store: %v", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errConfig("unable to save acme store: %v", err)
	}
	return nil
}

func (s *AcmeStore) OrderForHost(host string) (string, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	oid, ok := s.data.Hostnames[host]
	if !ok {
		return "", false
	}
	if _, ok := s.data.Certs[oid]; !ok {
		return "", false
	}
	return oid, true
}

// Certificate rebuilds the tls.Certificate for an order. The expiry comes
// from the store's bookkeeping, not from re-parsing the leaf.
func (s *AcmeStore) Certificate(orderId string) (*tls.Certificate, int64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	entry, ok := s.data.Certs[orderId]
	if !ok {
		return nil, 0, errConfig("no cert for order: %s", orderId)
	}
	cert, err := buildCertificate(&entry)
	if err != nil {
		return nil, 0, err
	}
	return cert, s.data.Expires[orderId].Expires, nil
}

func buildCertificate(entry *AcmeCertificate) (*tls.Certificate, error) {
	block, _ := pem.Decode(entry.CertPem)
	if block == nil {
		return nil, errConfig("stored cert is not PEM")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errConfig("unable to parse stored cert: %v", err)
	}
	cert := &tls.Certificate{Certificate: [][]byte{block.Bytes}, Leaf: leaf}
	for _, chainPem := range entry.ChainPem {
		cb, _ := pem.Decode(chainPem)
		if cb == nil {
			return nil, errConfig("stored chain cert is not PEM")
		}
		cert.Certificate = append(cert.Certificate, cb.Bytes)
	}
	key, err := parsePrivateKeyDer(entry.KeyDer)
	if err != nil {
		return nil, err
	}
	cert.PrivateKey = key
	return cert, nil
}

func parsePrivateKeyDer(der []byte) (crypto.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errConfig("unable to parse stored private key")
}

func (s *AcmeStore) Account(email string, provider string) (*AcmeAccount, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	entry, ok := s.data.Accounts[email]
	if !ok || entry.Provider != provider {
		return nil, false
	}
	acct := entry.Account
	return &acct, true
}

// SetAccount persists a freshly registered account before the first order
// so the account survives a crash mid-issuance.
func (s *AcmeStore) SetAccount(email string, provider string, acct AcmeAccount) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.data.Accounts[email] = acmeAccountEntry{Provider: provider, Account: acct}
	return s.save()
}

func (s *AcmeStore) StoreCertificate(orderId string, tlsName string, entry AcmeCertificate, domains []string, expiry int64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.data.Certs[orderId] = entry
	s.data.Expires[orderId] = acmeExpiry{TlsName: tlsName, Expires: expiry}
	for _, d := range domains {
		s.data.Hostnames[d] = orderId
	}
	return s.save()
}

// ExpiringTlsNames returns the tls entries whose certs are inside the
// renewal window. Consulted on startup and after every publish.
func (s *AcmeStore) ExpiringTlsNames(now int64) []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var names []string
	for oid, exp := range s.data.Expires {
		if exp.Expires-renewBeforeExpiry < now {
			log.Info("acme: cert for tls '%s' (order %s) is due for renewal", exp.TlsName, oid)
			names = append(names, exp.TlsName)
		}
	}
	return names
}
