package core

import (
	"crypto/tls"
	"sync"
	"sync/atomic"

	"github.com/assetsart/easy-proxy/log"
)

const DEFAULT_HEADER_SELECTOR = "x-easy-proxy-svc"

// CompiledRoute is what a PathRouter hands back per match: the path's
// service binding plus the owning route's header mutations and TLS
// binding.
type CompiledRoute struct {
	Path          Path
	Service       ServiceReference
	RemoveHeaders []string
	AddHeaders    []Header
	Tls           *TlsRoute
}

// ProxyStore is the routing half of a published snapshot. Immutable after
// publication.
type ProxyStore struct {
	HeaderSelector string
	HttpServices   map[string]*BackendPool
	HostRoutes     map[string]*PathRouter
	HeaderRoutes   map[string]*PathRouter
}

// TlsStore maps SNI host names to ready-to-serve certificates. Each
// tls.Certificate carries the full chain; Leaf is parsed.
type TlsStore map[string]*tls.Certificate

type Snapshot struct {
	Proxy *ProxyStore
	Tls   TlsStore
}

// Store holds the two live snapshot halves. Single writer under mu; the
// hot path reads each pointer once per request and keeps the value for
// the request's lifetime.
type Store struct {
	mu    sync.Mutex
	proxy atomic.Pointer[ProxyStore]
	tls   atomic.Pointer[TlsStore]
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Publish(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxy.Store(snap.Proxy)
	s.tls.Store(&snap.Tls)
}

func (s *Store) Proxy() *ProxyStore {
	return s.proxy.Load()
}

func (s *Store) Tls() TlsStore {
	t := s.tls.Load()
	if t == nil {
		return nil
	}
	return *t
}

// PublishTlsCerts swaps in a TlsStore that additionally serves certs for
// the given domains. Called by the ACME manager after an issuance so a
// fresh certificate is served without a full reload.
func (s *Store) PublishTlsCerts(domains []string, cert *tls.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.Tls()
	next := make(TlsStore, len(old)+len(domains))
	for k, v := range old {
		next[k] = v
	}
	for _, d := range domains {
		next[d] = cert
	}
	s.tls.Store(&next)
}

// BuildSnapshot assembles a candidate snapshot from parsed config files.
// Everything structural is all-or-nothing; certificate material that
// cannot be built only drops TLS for the affected host. ACME hosts with
// no usable cert are surfaced through the returned request map.
func BuildSnapshot(configs []*ProxyConfigFile, acmeStore *AcmeStore, dev *DevCerts) (*Snapshot, map[string]*AcmeRequest, error) {
	store := &ProxyStore{
		HttpServices: make(map[string]*BackendPool),
		HostRoutes:   make(map[string]*PathRouter),
		HeaderRoutes: make(map[string]*PathRouter),
	}
	tlsStore := make(TlsStore)
	acmeRequests := make(map[string]*AcmeRequest)

	// Services first so route references can be checked against the full
	// set regardless of file order.
	for _, config := range configs {
		for i := range config.Services {
			svc := &config.Services[i]
			if _, ok := store.HttpServices[svc.Name]; ok {
				return nil, nil, errConfig("duplicate service name: %s", svc.Name)
			}
			pool, err := NewBackendPool(svc)
			if err != nil {
				return nil, nil, err
			}
			store.HttpServices[svc.Name] = pool
		}
	}

	var tlsEntries []Tls
	for _, config := range configs {
		tlsEntries = append(tlsEntries, config.Tls...)
	}
	for i := range tlsEntries {
		if err := validateTls(&tlsEntries[i]); err != nil {
			return nil, nil, err
		}
	}

	for _, config := range configs {
		if config.HeaderSelector != "" {
			if store.HeaderSelector != "" {
				log.Warning("config: multiple header selectors found, using the first one")
			} else {
				store.HeaderSelector = config.HeaderSelector
			}
		}
		for i := range config.Routes {
			route := &config.Routes[i]
			if err := validateRoute(route); err != nil {
				return nil, nil, err
			}

			router := NewPathRouter()
			for j := range route.Paths {
				path := &route.Paths[j]
				if _, ok := store.HttpServices[path.Service.Name]; !ok {
					return nil, nil, errConfig("route '%s': unknown service: %s", route.Name, path.Service.Name)
				}
				compiled := &CompiledRoute{
					Path:          *path,
					Service:       path.Service,
					RemoveHeaders: route.RemoveHeaders,
					AddHeaders:    route.AddHeaders,
					Tls:           route.Tls,
				}
				if err := router.Insert(path.Path, compiled); err != nil {
					return nil, nil, err
				}
				if path.PathType == PATH_TYPE_PREFIX {
					pattern := path.Path + "/*rest"
					if path.Path == "/" {
						pattern = "/*rest"
					}
					if err := router.Insert(pattern, compiled); err != nil {
						return nil, nil, err
					}
				}
			}

			if route.Route.ConditionType == COND_HOST {
				hosts, err := hostValues(route.Route.Value)
				if err != nil {
					return nil, nil, err
				}
				if route.Tls != nil {
					tlsEntry := findTls(tlsEntries, route.Tls.Name)
					if tlsEntry == nil {
						return nil, nil, errConfig("route '%s': unknown tls entry: %s", route.Name, route.Tls.Name)
					}
					for _, host := range hosts {
						cert, err := loadCert(acmeStore, tlsEntry, host, acmeRequests)
						if err != nil {
							return nil, nil, err
						}
						if cert == nil && dev != nil {
							cert, err = dev.CertFor(host)
							if err != nil {
								log.Error("tls: developer cert for %s: %v", host, err)
							}
						}
						if cert == nil {
							log.Warning("tls: no cert found for host: %s", host)
							continue
						}
						tlsStore[host] = cert
					}
				}
				for _, host := range hosts {
					if _, ok := store.HostRoutes[host]; ok {
						return nil, nil, errConfig("duplicate route key: %s", host)
					}
					if _, ok := store.HeaderRoutes[host]; ok {
						return nil, nil, errConfig("route key '%s' used by both host and header routes", host)
					}
					store.HostRoutes[host] = router
				}
			} else {
				key := route.Route.Value
				if _, ok := store.HeaderRoutes[key]; ok {
					return nil, nil, errConfig("duplicate route key: %s", key)
				}
				if _, ok := store.HostRoutes[key]; ok {
					return nil, nil, errConfig("route key '%s' used by both host and header routes", key)
				}
				store.HeaderRoutes[key] = router
			}
		}
	}

	if store.HeaderSelector == "" {
		store.HeaderSelector = DEFAULT_HEADER_SELECTOR
	}

	return &Snapshot{Proxy: store, Tls: tlsStore}, acmeRequests, nil
}

func findTls(entries []Tls, name string) *Tls {
	for i := range entries {
		if entries[i].Name == name {
			return &entries[i]
		}
	}
	return nil
}
