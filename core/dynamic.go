package core

import (
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
	"gopkg.in/yaml.v2"

	"github.com/assetsart/easy-proxy/log"
)

// Dynamic configuration DOM. One ProxyConfigFile per YAML file under
// config_dir; any subset of the four sections may be present.

type ProxyConfigFile struct {
	HeaderSelector string    `yaml:"header_selector"`
	Services       []Service `yaml:"services"`
	Routes         []Route   `yaml:"routes"`
	Tls            []Tls     `yaml:"tls"`
}

type Service struct {
	Name      string     `yaml:"name"`
	Algorithm string     `yaml:"algorithm"`
	Endpoints []Endpoint `yaml:"endpoints"`
}

type Endpoint struct {
	Ip     string `yaml:"ip"`
	Port   uint16 `yaml:"port"`
	Weight uint32 `yaml:"weight"`
}

type Route struct {
	Route         RouteCondition `yaml:"route"`
	Tls           *TlsRoute      `yaml:"tls"`
	Name          string         `yaml:"name"`
	RemoveHeaders []string       `yaml:"remove_headers"`
	AddHeaders    []Header       `yaml:"add_headers"`
	Paths         []Path         `yaml:"paths"`
}

type RouteCondition struct {
	ConditionType string `yaml:"type"`
	Value         string `yaml:"value"`
}

type TlsRoute struct {
	Name     string `yaml:"name"`
	Redirect bool   `yaml:"redirect"`
}

type Header struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type Path struct {
	PathType string           `yaml:"pathType"`
	Path     string           `yaml:"path"`
	Service  ServiceReference `yaml:"service"`
}

type ServiceReference struct {
	Name    string `yaml:"name"`
	Rewrite string `yaml:"rewrite"`
}

type Tls struct {
	Name     string   `yaml:"name"`
	Redirect bool     `yaml:"redirect"`
	TlsType  string   `yaml:"type"`
	Acme     *Acme    `yaml:"acme"`
	Key      string   `yaml:"key"`
	Cert     string   `yaml:"cert"`
	Chain    []string `yaml:"chain"`
}

type Acme struct {
	Email    string `yaml:"email"`
	Provider string `yaml:"provider"`
	EabKid   string `yaml:"eab_kid"`
	EabHmac  string `yaml:"eab_hmac"`
}

const (
	PATH_TYPE_EXACT  = "Exact"
	PATH_TYPE_PREFIX = "Prefix"

	COND_HOST   = "host"
	COND_HEADER = "header"

	CONFIG_MAX_DEPTH = 6
)

var validAlgorithms = []string{"round_robin", "weighted", "consistent", "random"}
var tlsNameRegexp = regexp.MustCompile(`^[a-z0-9-]+$`)

func readDirRecursive(dir string, max_depth int) ([]string, error) {
	var files []string
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, errConfig("unable to read config directory %s: %v", dir, err)
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if max_depth > 0 {
				sub, err := readDirRecursive(path, max_depth-1)
				if err != nil {
					return nil, err
				}
				files = append(files, sub...)
			}
		} else {
			files = append(files, path)
		}
	}
	return files, nil
}

// ReadConfigDir parses every file under dir. Files that fail to parse are
// skipped with an error logged so a single broken file cannot take down a
// reload; structural validation happens later and is fatal for the whole
// candidate snapshot.
func ReadConfigDir(dir string) ([]*ProxyConfigFile, error) {
	files, err := readDirRecursive(dir, CONFIG_MAX_DEPTH)
	if err != nil {
		return nil, err
	}
	var configs []*ProxyConfigFile
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Error("config: unable to read file %s: %v", path, err)
			continue
		}
		var pc ProxyConfigFile
		if err := yaml.Unmarshal(data, &pc); err != nil {
			log.Error("config: unable to parse file %s: %v", path, err)
			continue
		}
		configs = append(configs, &pc)
	}
	return configs, nil
}

func validateService(svc *Service) error {
	if svc.Name == "" {
		return errConfig("service name is empty")
	}
	if !stringExists(svc.Algorithm, validAlgorithms) {
		return errConfig("service '%s': unknown algorithm: %s", svc.Name, svc.Algorithm)
	}
	if len(svc.Endpoints) == 0 {
		return errConfig("service '%s': no endpoints", svc.Name)
	}
	for _, e := range svc.Endpoints {
		if e.Ip == "" {
			return errConfig("service '%s': endpoint ip is empty", svc.Name)
		}
		if net.ParseIP(e.Ip) == nil {
			return errConfig("service '%s': invalid endpoint ip: %s", svc.Name, e.Ip)
		}
		if e.Port == 0 {
			return errConfig("service '%s': endpoint port is zero", svc.Name)
		}
	}
	return nil
}

func validateRoute(route *Route) error {
	if route.Route.ConditionType != COND_HOST && route.Route.ConditionType != COND_HEADER {
		return errConfig("route '%s': unknown condition type: %s", route.Name, route.Route.ConditionType)
	}
	if route.Route.Value == "" {
		return errConfig("route '%s': condition value is empty", route.Name)
	}
	if len(route.Paths) == 0 {
		return errConfig("route '%s': no paths", route.Name)
	}
	for _, p := range route.Paths {
		if p.Path == "" || !strings.HasPrefix(p.Path, "/") {
			return errConfig("route '%s': path must start with '/': %s", route.Name, p.Path)
		}
		if p.PathType != PATH_TYPE_EXACT && p.PathType != PATH_TYPE_PREFIX {
			return errConfig("route '%s': unknown path type: %s", route.Name, p.PathType)
		}
		if p.Service.Name == "" {
			return errConfig("route '%s': path '%s' has no service name", route.Name, p.Path)
		}
	}
	return nil
}

func validateTls(t *Tls) error {
	if !tlsNameRegexp.MatchString(t.Name) {
		return errConfig("tls name '%s' must match [a-z0-9-]+", t.Name)
	}
	switch t.TlsType {
	case TLS_TYPE_CUSTOM:
		if t.Cert == "" || t.Key == "" {
			return errConfig("tls '%s': custom tls requires cert and key files", t.Name)
		}
	case TLS_TYPE_ACME:
		if t.Acme == nil || t.Acme.Email == "" {
			return errConfig("tls '%s': acme tls requires an email", t.Name)
		}
	default:
		return errConfig("tls '%s': invalid type: %s", t.Name, t.TlsType)
	}
	return nil
}

// hostValues splits a '|'-separated host condition into normalized host
// keys, dropping any :port suffix.
func hostValues(value string) ([]string, error) {
	var hosts []string
	for _, h := range strings.Split(value, "|") {
		h = strings.TrimSpace(h)
		if i := strings.Index(h, ":"); i >= 0 {
			h = h[:i]
		}
		if h == "" {
			return nil, errConfig("unable to parse host value: %s", value)
		}
		ascii, err := idna.Lookup.ToASCII(h)
		if err != nil {
			return nil, errConfig("invalid host '%s': %v", h, err)
		}
		hosts = append(hosts, ascii)
	}
	return hosts, nil
}

func stringExists(s string, list []string) bool {
	for _, v := range list {
		if s == v {
			return true
		}
	}
	return false
}
