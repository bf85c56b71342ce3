package core

import (
	"path/filepath"
	"sort"
	"testing"
)

func testAcmeStore(t *testing.T) *AcmeStore {
	t.Helper()
	s, err := NewAcmeStore(filepath.Join(t.TempDir(), "acme.json"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func baseConfig() *ProxyConfigFile {
	return &ProxyConfigFile{
		Services: []Service{{
			Name:      "svc1",
			Algorithm: "round_robin",
			Endpoints: []Endpoint{{Ip: "127.0.0.1", Port: 9001}},
		}},
		Routes: []Route{{
			Route: RouteCondition{ConditionType: "host", Value: "api.example.com"},
			Name:  "api",
			Paths: []Path{{PathType: "Prefix", Path: "/v1", Service: ServiceReference{Name: "svc1"}}},
		}},
	}
}

func TestBuildSnapshot(t *testing.T) {
	snap, requests, err := BuildSnapshot([]*ProxyConfigFile{baseConfig()}, testAcmeStore(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(requests) != 0 {
		t.Errorf("no acme requests expected, got %v", requests)
	}
	if snap.Proxy.HeaderSelector != DEFAULT_HEADER_SELECTOR {
		t.Errorf("expected default header selector, got %s", snap.Proxy.HeaderSelector)
	}
	if _, ok := snap.Proxy.HttpServices["svc1"]; !ok {
		t.Error("service svc1 missing from snapshot")
	}
	router, ok := snap.Proxy.HostRoutes["api.example.com"]
	if !ok {
		t.Fatal("host route missing from snapshot")
	}
	for _, path := range []string{"/v1", "/v1/users"} {
		m, ok := router.Find(path)
		if !ok {
			t.Fatalf("expected a match for %s", path)
		}
		if m.Route.Service.Name != "svc1" {
			t.Errorf("wrong service for %s", path)
		}
	}
}

func TestBuildSnapshotUnknownServiceRef(t *testing.T) {
	cfg := baseConfig()
	cfg.Routes[0].Paths[0].Service.Name = "ghost"
	if _, _, err := BuildSnapshot([]*ProxyConfigFile{cfg}, testAcmeStore(t), nil); err == nil {
		t.Error("expected an error for an unknown service reference")
	}
}

func TestBuildSnapshotUnknownTlsRef(t *testing.T) {
	cfg := baseConfig()
	cfg.Routes[0].Tls = &TlsRoute{Name: "ghost"}
	if _, _, err := BuildSnapshot([]*ProxyConfigFile{cfg}, testAcmeStore(t), nil); err == nil {
		t.Error("expected an error for an unknown tls reference")
	}
}

func TestBuildSnapshotDuplicateRouteKey(t *testing.T) {
	a := baseConfig()
	b := baseConfig()
	b.Services[0].Name = "svc2"
	b.Routes[0].Paths[0].Service.Name = "svc2"
	if _, _, err := BuildSnapshot([]*ProxyConfigFile{a, b}, testAcmeStore(t), nil); err == nil {
		t.Error("expected an error for a duplicate route key")
	}
}

func TestBuildSnapshotHostHeaderKeyExclusive(t *testing.T) {
	a := baseConfig()
	b := baseConfig()
	b.Services[0].Name = "svc2"
	b.Routes[0].Paths[0].Service.Name = "svc2"
	b.Routes[0].Route = RouteCondition{ConditionType: "header", Value: "api.example.com"}
	if _, _, err := BuildSnapshot([]*ProxyConfigFile{a, b}, testAcmeStore(t), nil); err == nil {
		t.Error("expected an error when a key is used by both host and header routes")
	}
}

func TestBuildSnapshotDuplicateService(t *testing.T) {
	a := baseConfig()
	b := baseConfig()
	b.Routes = nil
	if _, _, err := BuildSnapshot([]*ProxyConfigFile{a, b}, testAcmeStore(t), nil); err == nil {
		t.Error("expected an error for a duplicate service name")
	}
}

func TestBuildSnapshotHeaderSelectorFirstWins(t *testing.T) {
	a := baseConfig()
	a.HeaderSelector = "x-first"
	b := &ProxyConfigFile{HeaderSelector: "x-second"}
	snap, _, err := BuildSnapshot([]*ProxyConfigFile{a, b}, testAcmeStore(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Proxy.HeaderSelector != "x-first" {
		t.Errorf("expected the first selector to win, got %s", snap.Proxy.HeaderSelector)
	}
}

func TestBuildSnapshotIdempotent(t *testing.T) {
	store := testAcmeStore(t)
	a, _, err := BuildSnapshot([]*ProxyConfigFile{baseConfig()}, store, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := BuildSnapshot([]*ProxyConfigFile{baseConfig()}, store, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.Proxy.HeaderSelector != b.Proxy.HeaderSelector {
		t.Error("selector differs between identical loads")
	}
	if !sameKeys(keysOfPools(a.Proxy.HttpServices), keysOfPools(b.Proxy.HttpServices)) {
		t.Error("services differ between identical loads")
	}
	if !sameKeys(keysOfRouters(a.Proxy.HostRoutes), keysOfRouters(b.Proxy.HostRoutes)) {
		t.Error("host routes differ between identical loads")
	}
}

func TestBuildSnapshotQueuesAcmeRequest(t *testing.T) {
	cfg := baseConfig()
	cfg.Routes[0].Tls = &TlsRoute{Name: "edge"}
	cfg.Tls = []Tls{{Name: "edge", TlsType: "acme", Acme: &Acme{Email: "ops@example.com"}}}

	snap, requests, err := BuildSnapshot([]*ProxyConfigFile{cfg}, testAcmeStore(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	req, ok := requests["edge"]
	if !ok {
		t.Fatal("expected an acme request for tls 'edge'")
	}
	if len(req.Domains) != 1 || req.Domains[0] != "api.example.com" {
		t.Errorf("unexpected domains: %v", req.Domains)
	}
	if snap.Tls["api.example.com"] != nil {
		t.Error("host must stay TLS-less until issuance completes")
	}
}

func TestBuildSnapshotMultiHostValue(t *testing.T) {
	cfg := baseConfig()
	cfg.Routes[0].Route.Value = "a.example.com|b.example.com"
	snap, _, err := BuildSnapshot([]*ProxyConfigFile{cfg}, testAcmeStore(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Proxy.HostRoutes) != 2 {
		t.Errorf("expected 2 host keys, got %d", len(snap.Proxy.HostRoutes))
	}
}

func TestStorePublishSwap(t *testing.T) {
	store := NewStore()
	if store.Proxy() != nil {
		t.Fatal("fresh store should have no snapshot")
	}
	a, _, err := BuildSnapshot([]*ProxyConfigFile{baseConfig()}, testAcmeStore(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	store.Publish(a)
	if store.Proxy() != a.Proxy {
		t.Error("published snapshot not visible")
	}

	cfg := baseConfig()
	cfg.Routes[0].Route.Value = "other.example.com"
	b, _, err := BuildSnapshot([]*ProxyConfigFile{cfg}, testAcmeStore(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	old := store.Proxy()
	store.Publish(b)
	if store.Proxy() == old {
		t.Error("snapshot did not swap")
	}
}

func keysOfPools(m map[string]*BackendPool) []string {
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func keysOfRouters(m map[string]*PathRouter) []string {
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
