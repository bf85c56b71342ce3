package core

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir string, name string, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

const goodConfig = `
header_selector: x-svc
services:
  - name: svc1
    algorithm: round_robin
    endpoints:
      - ip: 127.0.0.1
        port: 9001
routes:
  - route:
      type: host
      value: api.example.com
    name: api
    paths:
      - pathType: Prefix
        path: /v1
        service:
          name: svc1
`

func TestReadConfigDirRecursive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", goodConfig)
	writeFile(t, dir, "sub/deep/b.yaml", "services: []\n")

	configs, err := ReadConfigDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(configs) != 2 {
		t.Fatalf("expected 2 configs, got %d", len(configs))
	}
}

func TestReadConfigDirSkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.yaml", goodConfig)
	writeFile(t, dir, "broken.yaml", "services: [this is: not yaml\n\t")

	configs, err := ReadConfigDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(configs) != 1 {
		t.Fatalf("broken file should be skipped, got %d configs", len(configs))
	}
}

func TestReadConfigDirMissing(t *testing.T) {
	if _, err := ReadConfigDir("/nonexistent-easy-proxy-test"); err == nil {
		t.Error("expected an error for a missing directory")
	}
}

func TestValidateService(t *testing.T) {
	cases := []struct {
		name string
		svc  Service
		ok   bool
	}{
		{"valid", Service{Name: "a", Algorithm: "round_robin", Endpoints: []Endpoint{{Ip: "127.0.0.1", Port: 80}}}, true},
		{"ipv6", Service{Name: "a", Algorithm: "random", Endpoints: []Endpoint{{Ip: "::1", Port: 80}}}, true},
		{"empty name", Service{Algorithm: "round_robin", Endpoints: []Endpoint{{Ip: "127.0.0.1", Port: 80}}}, false},
		{"bad algorithm", Service{Name: "a", Algorithm: "nope", Endpoints: []Endpoint{{Ip: "127.0.0.1", Port: 80}}}, false},
		{"no endpoints", Service{Name: "a", Algorithm: "round_robin"}, false},
		{"zero port", Service{Name: "a", Algorithm: "round_robin", Endpoints: []Endpoint{{Ip: "127.0.0.1"}}}, false},
		{"bad ip", Service{Name: "a", Algorithm: "round_robin", Endpoints: []Endpoint{{Ip: "not-an-ip", Port: 80}}}, false},
	}
	for _, c := range cases {
		err := validateService(&c.svc)
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error: %v", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s: expected an error", c.name)
		}
	}
}

func TestValidateRoute(t *testing.T) {
	good := Route{
		Route: RouteCondition{ConditionType: "host", Value: "a.com"},
		Paths: []Path{{PathType: "Exact", Path: "/", Service: ServiceReference{Name: "svc"}}},
	}
	if err := validateRoute(&good); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	bad := good
	bad.Route.Value = ""
	if err := validateRoute(&bad); err == nil {
		t.Error("expected an error for an empty condition value")
	}

	bad = good
	bad.Paths = nil
	if err := validateRoute(&bad); err == nil {
		t.Error("expected an error for empty paths")
	}

	bad = good
	bad.Paths = []Path{{PathType: "Exact", Path: "no-slash", Service: ServiceReference{Name: "svc"}}}
	if err := validateRoute(&bad); err == nil {
		t.Error("expected an error for a path without a leading slash")
	}

	bad = good
	bad.Paths = []Path{{PathType: "Exact", Path: "/", Service: ServiceReference{}}}
	if err := validateRoute(&bad); err == nil {
		t.Error("expected an error for an empty service name")
	}
}

func TestValidateTls(t *testing.T) {
	if err := validateTls(&Tls{Name: "my-tls", TlsType: "acme", Acme: &Acme{Email: "a@b.c"}}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := validateTls(&Tls{Name: "Bad_Name", TlsType: "acme", Acme: &Acme{Email: "a@b.c"}}); err == nil {
		t.Error("expected an error for an invalid tls name")
	}
	if err := validateTls(&Tls{Name: "c", TlsType: "custom"}); err == nil {
		t.Error("expected an error for custom tls without cert/key")
	}
	if err := validateTls(&Tls{Name: "a", TlsType: "acme"}); err == nil {
		t.Error("expected an error for acme tls without email")
	}
	if err := validateTls(&Tls{Name: "a", TlsType: "other"}); err == nil {
		t.Error("expected an error for an unknown tls type")
	}
}

func TestHostValues(t *testing.T) {
	hosts, err := hostValues("a.example.com|b.example.com:8443")
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 2 || hosts[0] != "a.example.com" || hosts[1] != "b.example.com" {
		t.Errorf("unexpected hosts: %v", hosts)
	}
	if _, err := hostValues("a.example.com||"); err == nil {
		t.Error("expected an error for an empty alternative")
	}
}
