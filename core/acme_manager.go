package core

import (
	"crypto/x509"
	"encoding/pem"
	"strings"
	"sync"
	"time"

	"github.com/assetsart/easy-proxy/acme"
	"github.com/assetsart/easy-proxy/log"
)

const (
	acmeRetryDelay = 60 * time.Second
	acmeMaxRetries = 2
)

// AcmeManager drains issuance requests surfaced by the route compiler,
// persists the results and swaps fresh certs into the live TlsStore.
// Issuance is single-flight: at most one order is in progress at a time.
type AcmeManager struct {
	store     *Store
	acmeStore *AcmeStore

	mtx        sync.Mutex
	queue      map[string]*AcmeRequest
	retries    map[string]int
	inProgress bool

	chalMtx    sync.Mutex
	challenges map[string]string

	// newClient is swappable so tests can point the manager at a stub
	// directory.
	newClient func(directoryUrl string) (*acme.Client, error)
}

func NewAcmeManager(store *Store, acmeStore *AcmeStore) *AcmeManager {
	return &AcmeManager{
		store:      store,
		acmeStore:  acmeStore,
		queue:      make(map[string]*AcmeRequest),
		retries:    make(map[string]int),
		challenges: make(map[string]string),
		newClient:  acme.NewClient,
	}
}

// KeyAuthorization answers the HTTP-01 lookup the plain-HTTP listener
// performs for /.well-known/acme-challenge requests.
func (m *AcmeManager) KeyAuthorization(domain string) (string, bool) {
	m.chalMtx.Lock()
	defer m.chalMtx.Unlock()
	ka, ok := m.challenges[domain]
	return ka, ok
}

func (m *AcmeManager) setChallenges(domains []string, keyAuthorization string) {
	m.chalMtx.Lock()
	defer m.chalMtx.Unlock()
	for _, d := range domains {
		m.challenges[d] = keyAuthorization
	}
}

func (m *AcmeManager) clearChallenges(domains []string) {
	m.chalMtx.Lock()
	defer m.chalMtx.Unlock()
	for _, d := range domains {
		delete(m.challenges, d)
	}
}

// AfterPublish is called once a snapshot went live: retry counters reset
// and the requests collected during the build are queued and drained. The
// expiry bookkeeping is cross-checked so a cert due for renewal whose tls
// entry lost all its routes is at least visible in the logs.
func (m *AcmeManager) AfterPublish(requests map[string]*AcmeRequest) {
	for _, name := range m.acmeStore.ExpiringTlsNames(time.Now().Unix()) {
		if _, ok := requests[name]; !ok {
			log.Warning("acme: tls '%s' is due for renewal but no route references it", name)
		}
	}
	m.mtx.Lock()
	m.retries = make(map[string]int)
	for name, req := range requests {
		m.enqueueLocked(name, req)
	}
	m.mtx.Unlock()
	go m.Drain()
}

func (m *AcmeManager) enqueueLocked(name string, req *AcmeRequest) {
	if existing, ok := m.queue[name]; ok {
		for _, d := range req.Domains {
			existing.addDomain(d)
		}
		return
	}
	m.queue[name] = req
}

func (m *AcmeManager) Enqueue(req *AcmeRequest) {
	m.mtx.Lock()
	m.enqueueLocked(req.TlsName, req)
	m.mtx.Unlock()
}

// Drain issues every queued request sequentially. Returns immediately if
// another drain is already running.
func (m *AcmeManager) Drain() {
	m.mtx.Lock()
	if m.inProgress {
		m.mtx.Unlock()
		return
	}
	m.inProgress = true
	m.mtx.Unlock()

	defer func() {
		m.mtx.Lock()
		m.inProgress = false
		m.mtx.Unlock()
	}()

	for {
		m.mtx.Lock()
		var name string
		var req *AcmeRequest
		for n, r := range m.queue {
			name, req = n, r
			break
		}
		if req != nil {
			delete(m.queue, name)
		}
		m.mtx.Unlock()
		if req == nil {
			return
		}

		log.Info("acme: generating cert for tls '%s' (%v)", name, req.Domains)
		err := m.issue(req)
		m.clearChallenges(req.Domains)
		if err == nil {
			log.Success("acme: cert generated for tls '%s'", name)
			continue
		}
		log.Error("acme: issuance for tls '%s' failed: %v", name, err)

		m.mtx.Lock()
		m.retries[name]++
		count := m.retries[name]
		m.mtx.Unlock()
		if count > acmeMaxRetries {
			log.Error("acme: max retry count reached for tls '%s'", name)
			continue
		}
		retry := req
		time.AfterFunc(acmeRetryDelay, func() {
			log.Info("acme: retrying cert generation for tls '%s'", retry.TlsName)
			m.Enqueue(retry)
			m.Drain()
		})
	}
}

func (m *AcmeManager) issue(req *AcmeRequest) error {
	provider := req.Acme.Provider
	if provider == "" {
		provider = "letsencrypt"
	}
	directoryUrl, ok := acme.Providers[provider]
	if !ok {
		return errConfig("unknown acme provider: %s", provider)
	}
	client, err := m.newClient(directoryUrl)
	if err != nil {
		return err
	}
	if req.Acme.EabKid != "" {
		client.Eab = &acme.EabCredentials{Kid: req.Acme.EabKid, HmacKey: req.Acme.EabHmac}
	}

	email := req.Acme.Email
	var key *acme.KeyPair
	var kid string
	if acct, ok := m.acmeStore.Account(email, provider); ok {
		key, err = acme.KeyPairFromPkcs8(acct.KeyPair)
		if err != nil {
			return err
		}
		kid = acct.Kid
	} else {
		key, err = acme.GenerateKeyPair()
		if err != nil {
			return err
		}
		kid, err = client.CreateAccount(key, []string{email})
		if err != nil {
			return err
		}
		if err := m.acmeStore.SetAccount(email, provider, AcmeAccount{Kid: kid, KeyPair: key.Pkcs8Bytes}); err != nil {
			return err
		}
	}

	orderUrl, order, err := client.CreateOrder(key, kid, req.Domains)
	if err != nil {
		return err
	}
	if len(order.Authorizations) == 0 {
		return errProxy("order has no authorizations")
	}
	for _, authUrl := range order.Authorizations {
		challengeUrl, _, keyAuthorization, err := client.GetHttpChallenge(key, kid, authUrl)
		if err != nil {
			return err
		}
		m.setChallenges(req.Domains, keyAuthorization)
		if err := client.ValidateChallenge(key, kid, challengeUrl); err != nil {
			return err
		}
	}

	csrDer, keyDer, err := acme.CreateCsr(req.Domains)
	if err != nil {
		return err
	}
	if _, err := client.FinalizeOrder(key, kid, order.Finalize, csrDer); err != nil {
		return err
	}
	validOrder, err := client.WaitForOrderValid(key, kid, orderUrl)
	if err != nil {
		return err
	}
	if validOrder.Certificate == "" {
		return errProxy("valid order has no certificate URL")
	}
	certPem, err := client.DownloadCertificate(key, kid, validOrder.Certificate)
	if err != nil {
		return err
	}

	leafPem, chainPems, err := splitPemChain(certPem)
	if err != nil {
		return err
	}
	block, _ := pem.Decode(leafPem)
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return errProxy("unable to parse issued cert: %v", err)
	}
	orderId := validOrder.Certificate[strings.LastIndexByte(validOrder.Certificate, '/')+1:]

	entry := AcmeCertificate{
		AccountKid: kid,
		KeyDer:     keyDer,
		CertPem:    leafPem,
		CsrDer:     csrDer,
		ChainPem:   chainPems,
	}
	// persist before publishing so a crash is observable: the cert that
	// made it to disk is the one served after restart.
	if err := m.acmeStore.StoreCertificate(orderId, req.TlsName, entry, req.Domains, leaf.NotAfter.Unix()); err != nil {
		return err
	}

	cert, err := buildCertificate(&entry)
	if err != nil {
		return err
	}
	m.store.PublishTlsCerts(req.Domains, cert)
	return nil
}

// splitPemChain separates the CA's PEM bundle into the leaf and the rest
// of the chain.
func splitPemChain(bundle string) (leaf []byte, chain [][]byte, err error) {
	rest := []byte(bundle)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		enc := pem.EncodeToMemory(block)
		if leaf == nil {
			leaf = enc
		} else {
			chain = append(chain, enc)
		}
	}
	if leaf == nil {
		return nil, nil, errProxy("downloaded bundle contains no certificate")
	}
	return leaf, chain, nil
}
