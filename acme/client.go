package acme

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/go-resty/resty/v2"
)

// errPollPending marks a retryable poll result inside the backoff loops.
var errPollPending = errors.New("still pending")

const userAgent = "easy-proxy/acme-client"

const (
	pollInterval    = 3 * time.Second
	pollMaxAttempts = 5
)

// Directory provider URLs supported out of the box.
var Providers = map[string]string{
	"letsencrypt": "https://acme-v02.api.letsencrypt.org/directory",
	"buypass":     "https://api.buypass.com/acme/directory",
}

type directoryMeta struct {
	ExternalAccountRequired bool `json:"externalAccountRequired"`
}

type directory struct {
	NewNonce   string        `json:"newNonce"`
	NewAccount string        `json:"newAccount"`
	NewOrder   string        `json:"newOrder"`
	Meta       directoryMeta `json:"meta"`
}

// Order mirrors the ACME order object across its lifecycle.
type Order struct {
	Status         string   `json:"status"`
	Authorizations []string `json:"authorizations"`
	Finalize       string   `json:"finalize"`
	Certificate    string   `json:"certificate"`
}

type challenge struct {
	Type   string `json:"type"`
	Url    string `json:"url"`
	Token  string `json:"token"`
	Status string `json:"status"`
}

type authorization struct {
	Status     string      `json:"status"`
	Challenges []challenge `json:"challenges"`
}

// Client speaks RFC 8555 against one directory. Every signed POST fetches
// a fresh nonce first; the server never sees a reused one.
type Client struct {
	http      *resty.Client
	directory directory
	// Eab is consulted when the directory requires an external account
	// binding on registration.
	Eab *EabCredentials
}

func NewClient(directoryUrl string) (*Client, error) {
	c := &Client{
		http: resty.New().SetHeader("User-Agent", userAgent),
	}
	resp, err := c.http.R().SetResult(&c.directory).Get(directoryUrl)
	if err != nil {
		return nil, errClient("unable to fetch directory: %v", err)
	}
	if resp.IsError() {
		return nil, errClient("directory fetch failed: HTTP %d", resp.StatusCode())
	}
	if c.directory.NewNonce == "" || c.directory.NewAccount == "" || c.directory.NewOrder == "" {
		return nil, errClient("directory is missing required endpoints")
	}
	return c, nil
}

func (c *Client) nonce() (string, error) {
	resp, err := c.http.R().Head(c.directory.NewNonce)
	if err != nil {
		return "", errClient("unable to fetch nonce: %v", err)
	}
	nonce := resp.Header().Get("Replay-Nonce")
	if nonce == "" {
		return "", errClient("no nonce in response")
	}
	return nonce, nil
}

// post signs payload for url and delivers it. A nil payload sends the
// POST-as-GET form.
func (c *Client) post(key *KeyPair, kid string, url string, payload interface{}) (*resty.Response, error) {
	nonce, err := c.nonce()
	if err != nil {
		return nil, err
	}
	signed, err := signRequest(key, url, nonce, payload, kid)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.R().
		SetHeader("Content-Type", "application/jose+json").
		SetBody(signed).
		Post(url)
	if err != nil {
		return nil, errClient("post to %s failed: %v", url, err)
	}
	return resp, nil
}

// CreateAccount registers (or looks up) the account for the key pair and
// returns its kid. Directories that demand an external account binding
// get one built from the client's Eab credentials.
func (c *Client) CreateAccount(key *KeyPair, emails []string) (string, error) {
	contact := make([]string, 0, len(emails))
	for _, e := range emails {
		contact = append(contact, "mailto:"+e)
	}
	payload := map[string]interface{}{
		"termsOfServiceAgreed": true,
		"contact":              contact,
	}
	if c.directory.Meta.ExternalAccountRequired {
		if c.Eab == nil {
			return "", errClient("directory requires an external account binding but none is configured")
		}
		eab, err := externalAccountBinding(key, c.Eab, c.directory.NewAccount)
		if err != nil {
			return "", err
		}
		payload["externalAccountBinding"] = eab
	}

	resp, err := c.post(key, "", c.directory.NewAccount, payload)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", errClient("account creation failed: HTTP %d - %s", resp.StatusCode(), resp.String())
	}
	kid := resp.Header().Get("Location")
	if kid == "" {
		return "", errClient("no Location header in account creation response")
	}
	return kid, nil
}

func (c *Client) CreateOrder(key *KeyPair, kid string, domains []string) (string, *Order, error) {
	identifiers := make([]map[string]string, 0, len(domains))
	for _, d := range domains {
		identifiers = append(identifiers, map[string]string{"type": "dns", "value": d})
	}
	resp, err := c.post(key, kid, c.directory.NewOrder, map[string]interface{}{"identifiers": identifiers})
	if err != nil {
		return "", nil, err
	}
	if resp.IsError() {
		return "", nil, errClient("order creation failed: HTTP %d - %s", resp.StatusCode(), resp.String())
	}
	orderUrl := resp.Header().Get("Location")
	if orderUrl == "" {
		return "", nil, errClient("no Location header in order response")
	}
	var order Order
	if err := json.Unmarshal(resp.Body(), &order); err != nil {
		return "", nil, errClient("unable to parse order: %v", err)
	}
	return orderUrl, &order, nil
}

// GetHttpChallenge fetches the authorization and picks its http-01
// challenge. The key authorization is token "." thumbprint, the exact
// body the challenge URL must serve.
func (c *Client) GetHttpChallenge(key *KeyPair, kid string, authUrl string) (challengeUrl string, token string, keyAuthorization string, err error) {
	resp, err := c.post(key, kid, authUrl, nil)
	if err != nil {
		return "", "", "", err
	}
	if resp.IsError() {
		return "", "", "", errClient("authorization fetch failed: HTTP %d - %s", resp.StatusCode(), resp.String())
	}
	var authz authorization
	if err := json.Unmarshal(resp.Body(), &authz); err != nil {
		return "", "", "", errClient("unable to parse authorization: %v", err)
	}
	for _, ch := range authz.Challenges {
		if ch.Type == "http-01" {
			if ch.Token == "" || ch.Url == "" {
				return "", "", "", errClient("http-01 challenge is missing token or url")
			}
			return ch.Url, ch.Token, ch.Token + "." + key.Thumbprint(), nil
		}
	}
	return "", "", "", errClient("no http-01 challenge in authorization")
}

// ValidateChallenge tells the CA to verify the challenge and polls until
// it turns valid: every 3 s, at most 5 attempts, failing hard on any
// status other than valid/pending/processing.
func (c *Client) ValidateChallenge(key *KeyPair, kid string, challengeUrl string) error {
	first := true
	op := func() error {
		var payload interface{}
		if first {
			// the empty JSON object triggers validation; subsequent
			// polls are POST-as-GET
			payload = map[string]interface{}{}
			first = false
		}
		resp, err := c.post(key, kid, challengeUrl, payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		if resp.IsError() {
			return backoff.Permanent(errClient("challenge validation failed: HTTP %d - %s", resp.StatusCode(), resp.String()))
		}
		var ch challenge
		if err := json.Unmarshal(resp.Body(), &ch); err != nil {
			return backoff.Permanent(errClient("unable to parse challenge: %v", err))
		}
		switch ch.Status {
		case "valid":
			return nil
		case "pending", "processing":
			return errPollPending
		default:
			return backoff.Permanent(errClient("challenge validation failed: %s", ch.Status))
		}
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(pollInterval), pollMaxAttempts-1)
	if err := backoff.Retry(op, b); err != nil {
		if err == errPollPending {
			return errClient("max attempts reached for challenge validation")
		}
		return err
	}
	return nil
}

func (c *Client) FinalizeOrder(key *KeyPair, kid string, finalizeUrl string, csrDer []byte) (*Order, error) {
	resp, err := c.post(key, kid, finalizeUrl, map[string]interface{}{"csr": b64url(csrDer)})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, errClient("order finalization failed: HTTP %d - %s", resp.StatusCode(), resp.String())
	}
	var order Order
	if err := json.Unmarshal(resp.Body(), &order); err != nil {
		return nil, errClient("unable to parse finalized order: %v", err)
	}
	return &order, nil
}

// WaitForOrderValid polls the order with the same discipline as challenge
// validation until its status is valid.
func (c *Client) WaitForOrderValid(key *KeyPair, kid string, orderUrl string) (*Order, error) {
	var order Order
	op := func() error {
		resp, err := c.post(key, kid, orderUrl, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if resp.IsError() {
			return backoff.Permanent(errClient("order fetch failed: HTTP %d - %s", resp.StatusCode(), resp.String()))
		}
		if err := json.Unmarshal(resp.Body(), &order); err != nil {
			return backoff.Permanent(errClient("unable to parse order: %v", err))
		}
		switch order.Status {
		case "valid":
			return nil
		case "pending", "processing":
			return errPollPending
		case "invalid":
			return backoff.Permanent(errClient("order became invalid"))
		default:
			return backoff.Permanent(errClient("unexpected order status: %s", order.Status))
		}
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(pollInterval), pollMaxAttempts-1)
	if err := backoff.Retry(op, b); err != nil {
		if err == errPollPending {
			return nil, errClient("max attempts reached for order validation")
		}
		return nil, err
	}
	return &order, nil
}

func (c *Client) DownloadCertificate(key *KeyPair, kid string, certUrl string) (string, error) {
	resp, err := c.post(key, kid, certUrl, nil)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", errClient("certificate download failed: HTTP %d - %s", resp.StatusCode(), resp.String())
	}
	return resp.String(), nil
}
