package core

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/inconshreveable/go-vhost"

	"github.com/assetsart/easy-proxy/log"
)

const (
	httpReadTimeout  = 45 * time.Second
	httpWriteTimeout = 45 * time.Second

	selectKeyLimit = 256

	acmeChallengePath = "/.well-known/acme-challenge/{token}"
)

// HttpProxy is the hot path: both listeners, route resolution, upstream
// forwarding and response streaming.
type HttpProxy struct {
	Server      *http.Server
	store       *Store
	conns       *ConnManager
	acme        *AcmeManager
	httpAddr    string
	httpsAddr   string
	sniListener net.Listener
	isRunning   bool
}

func NewHttpProxy(cfg *Config, store *Store, conns *ConnManager, acme *AcmeManager) (*HttpProxy, error) {
	p := &HttpProxy{
		store:     store,
		conns:     conns,
		acme:      acme,
		httpAddr:  cfg.GetHttpAddr(),
		httpsAddr: cfg.GetHttpsAddr(),
	}

	r := mux.NewRouter()
	r.HandleFunc(acmeChallengePath, p.handleACMEChallenge).Methods("GET")
	r.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		p.handleRequest(w, req, false)
	})
	// CONNECT requests carry no path and fall through the path matchers
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		p.handleRequest(w, req, false)
	})

	p.Server = &http.Server{
		Addr:         p.httpAddr,
		Handler:      r,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
	}
	return p, nil
}

func (p *HttpProxy) Start() error {
	p.isRunning = true
	go func() {
		if err := p.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http: %v", err)
		}
	}()
	if p.httpsAddr != "" {
		go p.httpsWorker()
	}
	return nil
}

func (p *HttpProxy) Stop() {
	p.isRunning = false
	p.Server.Close()
	if p.sniListener != nil {
		p.sniListener.Close()
	}
}

// handleACMEChallenge answers HTTP-01 lookups from the challenge map
// before any routing happens. No authorization on this path.
func (p *HttpProxy) handleACMEChallenge(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	host := requestHost(r)

	ka, ok := p.acme.KeyAuthorization(host)
	if !ok || !strings.HasPrefix(ka, token+".") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	log.Debug("http: served ACME key authorization for %s", host)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(ka))
}

// httpsWorker accepts TLS connections, peeks the ClientHello for the
// server name and rejects hosts without a certificate before the
// handshake is ever attempted. Accepted connections are handed to the
// shared HTTP handler over an in-process listener.
func (p *HttpProxy) httpsWorker() {
	var err error
	p.sniListener, err = net.Listen("tcp", p.httpsAddr)
	if err != nil {
		log.Fatal("https: %v", err)
		return
	}

	inner := newConnListener(p.sniListener.Addr())
	r := mux.NewRouter()
	r.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		p.handleRequest(w, req, true)
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		p.handleRequest(w, req, true)
	})
	srv := &http.Server{
		Handler:      r,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
	}
	go srv.Serve(inner)

	for p.isRunning {
		c, err := p.sniListener.Accept()
		if err != nil {
			if p.isRunning {
				log.Error("https: accept: %s", err)
			}
			continue
		}

		go func(c net.Conn) {
			now := time.Now()
			c.SetReadDeadline(now.Add(httpReadTimeout))
			c.SetWriteDeadline(now.Add(httpWriteTimeout))

			tlsConn, err := vhost.TLS(c)
			if err != nil {
				c.Close()
				return
			}
			hostname := tlsConn.Host()
			if hostname == "" {
				tlsConn.Close()
				return
			}
			if p.store.Tls()[hostname] == nil {
				log.Debug("https: no certificate for host '%s'", hostname)
				tlsConn.Close()
				return
			}
			inner.put(tls.Server(tlsConn, &tls.Config{
				MinVersion:     tls.VersionTLS12,
				NextProtos:     []string{"http/1.1"},
				GetCertificate: p.getCertificate,
			}))
		}(c)
	}
}

// getCertificate is the SNI dispatcher: a lock-free lookup against the
// published TlsStore, full chain included. Unknown names fail the
// callback, which aborts the handshake; crypto/tls reports that failure
// to the client as an internal_error alert, not unrecognized_name.
func (p *HttpProxy) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := p.store.Tls()[hello.ServerName]
	if cert == nil {
		return nil, fmt.Errorf("no certificate for host '%s'", hello.ServerName)
	}
	return cert, nil
}

func requestHost(r *http.Request) string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

// handleRequest runs the per-request pipeline: route lookup, path match,
// TLS redirect, header mutation, rewrite, backend selection, forward.
func (p *HttpProxy) handleRequest(w http.ResponseWriter, r *http.Request, secure bool) {
	ps := p.store.Proxy()
	if ps == nil {
		http.Error(w, "404 Not Found", http.StatusNotFound)
		return
	}

	host := requestHost(r)
	router, err := resolveRouter(ps, host, r)
	if err != nil {
		log.Debug("proxy: %v", err)
		http.Error(w, "404 Not Found", http.StatusNotFound)
		return
	}

	path := r.URL.Path
	if r.Method == http.MethodConnect {
		path = "/"
	}
	match, ok := router.Find(path)
	if !ok {
		log.Debug("proxy: no path entry for %s %s", host, path)
		http.Error(w, "404 Not Found", http.StatusNotFound)
		return
	}
	route := match.Route

	if route.Tls != nil && route.Tls.Redirect && !secure {
		target := "https://" + host + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
		return
	}

	vars := map[string]string{
		"host":   host,
		"path":   path,
		"rest":   match.Rest,
		"scheme": schemeOf(secure),
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		vars["client_ip"] = ip
	}
	mutateHeaders(r, route, vars)

	if route.Service.Rewrite != "" {
		rewriteURI(r, route.Path.Path, route.Service.Rewrite)
	}

	pool, ok := ps.HttpServices[route.Service.Name]
	if !ok {
		// unreachable for a published snapshot; guarded anyway
		http.Error(w, "502 Bad Gateway", http.StatusBadGateway)
		return
	}
	backend := pool.Select(selectKey(pool.Algorithm(), host, r))
	if backend == nil {
		http.Error(w, "502 Bad Gateway", http.StatusBadGateway)
		return
	}

	if r.Method == http.MethodConnect {
		p.tunnel(w, r, backend.Addr)
		return
	}
	p.forward(w, r, backend.Addr)
}

// resolveRouter picks the path router for a request: host keys first,
// then the value of the snapshot's header selector.
func resolveRouter(ps *ProxyStore, host string, r *http.Request) (*PathRouter, error) {
	if router, ok := ps.HostRoutes[host]; ok {
		return router, nil
	}
	if sel := r.Header.Get(ps.HeaderSelector); sel != "" {
		if router, ok := ps.HeaderRoutes[sel]; ok {
			return router, nil
		}
	}
	return nil, &ServiceNotFound{Reason: "no route for host " + host}
}

func schemeOf(secure bool) string {
	if secure {
		return "https"
	}
	return "http"
}

// selectKey derives the load-balancing key: host:path capped at 256
// bytes, except consistent hashing which fingerprints host+path+query.
func selectKey(algorithm string, host string, r *http.Request) string {
	var key string
	if algorithm == "consistent" {
		key = host + r.URL.Path + r.URL.RawQuery
	} else {
		key = host + ":" + r.URL.Path
	}
	if len(key) > selectKeyLimit {
		key = key[:selectKeyLimit]
	}
	return key
}

// mutateHeaders removes then appends per-route headers. A value of
// $HK_<name> copies the request header <name>; ${var} substitutes a
// per-request variable.
func mutateHeaders(r *http.Request, route *CompiledRoute, vars map[string]string) {
	for _, h := range route.RemoveHeaders {
		r.Header.Del(h)
	}
	for _, h := range route.AddHeaders {
		value := h.Value
		for k, v := range vars {
			value = strings.ReplaceAll(value, "${"+k+"}", v)
		}
		if strings.HasPrefix(value, "$HK_") {
			key := strings.ToLower(strings.TrimPrefix(value, "$HK_"))
			if hv := r.Header.Get(key); hv != "" {
				r.Header.Add(h.Name, hv)
			}
			continue
		}
		r.Header.Add(h.Name, value)
	}
}

// rewriteURI replaces the matched path prefix with the configured rewrite
// and keeps the query untouched.
func rewriteURI(r *http.Request, prefix string, rewrite string) {
	path := r.URL.Path
	if strings.HasPrefix(path, prefix) {
		rest := path[len(prefix):]
		if prefix == "/" {
			rest = path
			rest = strings.TrimPrefix(rest, "/")
			r.URL.Path = strings.TrimSuffix(rewrite, "/") + "/" + rest
		} else {
			r.URL.Path = rewrite + rest
		}
	}
}

// forward sends the request over a pooled upstream connection and streams
// the response back verbatim.
func (p *HttpProxy) forward(w http.ResponseWriter, r *http.Request, addr string) {
	u, err := p.conns.Acquire(addr)
	if err != nil {
		log.Error("proxy: %s: %v", addr, err)
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			http.Error(w, "503 Service Temporarily Unavailable", http.StatusServiceUnavailable)
		} else {
			http.Error(w, "502 Bad Gateway", http.StatusBadGateway)
		}
		return
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.URL.Scheme = "http"
	out.URL.Host = addr
	out.Header.Del("Connection")

	u.conn.SetWriteDeadline(time.Now().Add(httpWriteTimeout))
	if err := out.Write(u.conn); err != nil {
		p.conns.Release(u, false)
		log.Error("proxy: write to %s failed: %v", addr, err)
		http.Error(w, "502 Bad Gateway", http.StatusBadGateway)
		return
	}

	u.conn.SetReadDeadline(time.Now().Add(upstreamIdleLimit))
	resp, err := http.ReadResponse(u.br, out)
	if err != nil {
		p.conns.Release(u, false)
		log.Error("proxy: read from %s failed: %v", addr, err)
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			http.Error(w, "503 Service Temporarily Unavailable", http.StatusServiceUnavailable)
		} else {
			http.Error(w, "502 Bad Gateway", http.StatusBadGateway)
		}
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, copyErr := io.Copy(w, resp.Body)

	// the connection only goes back to the pool when the response was
	// fully drained on a keep-alive exchange
	healthy := copyErr == nil && !resp.Close
	p.conns.Release(u, healthy)
}

// tunnel serves CONNECT: the response goes out before the upgrade, then
// bytes are copied both ways until either side closes.
func (p *HttpProxy) tunnel(w http.ResponseWriter, r *http.Request, addr string) {
	upstream, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		log.Error("proxy: connect to %s failed: %v", addr, err)
		http.Error(w, "502 Bad Gateway", http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "502 Bad Gateway", http.StatusBadGateway)
		return
	}
	client, _, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		log.Error("proxy: hijack failed: %v", err)
		return
	}

	client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	go func() {
		io.Copy(upstream, client)
		upstream.Close()
	}()
	io.Copy(client, upstream)
	client.Close()
}

// connListener feeds externally accepted (and SNI-checked) connections
// into an http.Server.
type connListener struct {
	ch   chan net.Conn
	addr net.Addr
	done chan struct{}
}

func newConnListener(addr net.Addr) *connListener {
	return &connListener{
		ch:   make(chan net.Conn),
		addr: addr,
		done: make(chan struct{}),
	}
}

func (l *connListener) put(c net.Conn) {
	select {
	case l.ch <- c:
	case <-l.done:
		c.Close()
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.ch:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.addr
}
