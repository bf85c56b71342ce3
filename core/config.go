package core

import (
	"os"

	"github.com/spf13/viper"
)

// Runtime configuration, read once at startup. Listener addresses are not
// hot-reloadable; only the dynamic config under config_dir is.

type ServerTuning struct {
	Daemon                         bool   `mapstructure:"daemon"`
	Threads                        int    `mapstructure:"threads"`
	WorkStealing                   bool   `mapstructure:"work_stealing"`
	ErrorLog                       string `mapstructure:"error_log"`
	PidFile                        string `mapstructure:"pid_file"`
	UpgradeSock                    string `mapstructure:"upgrade_sock"`
	User                           string `mapstructure:"user"`
	Group                          string `mapstructure:"group"`
	CaFile                         string `mapstructure:"ca_file"`
	UpstreamKeepalivePoolSize      int    `mapstructure:"upstream_keepalive_pool_size"`
	GracePeriodSeconds             int    `mapstructure:"grace_period_seconds"`
	GracefulShutdownTimeoutSeconds int    `mapstructure:"graceful_shutdown_timeout_seconds"`
}

type ProxyAddrs struct {
	Http  string `mapstructure:"http"`
	Https string `mapstructure:"https"`
}

type Config struct {
	Proxy     ProxyAddrs   `mapstructure:"proxy"`
	Server    ServerTuning `mapstructure:"pingora"`
	ConfigDir string       `mapstructure:"config_dir"`
	AcmeStore string       `mapstructure:"acme_store"`
	TlsDir    string       `mapstructure:"tls_dir"`

	cfg *viper.Viper
}

const (
	DEFAULT_CONF_PATH  = "/etc/easy-proxy/conf.yaml"
	DEFAULT_CONFIG_DIR = "/etc/easy-proxy/dynamic"
	DEFAULT_ACME_STORE = "/etc/easy-proxy/tls/acme.json"
	DEFAULT_TLS_DIR    = "/etc/easy-proxy/tls"
	CONF_PATH_ENV      = "EASY_PROXY_CONF"
	DEFAULT_POOL_SIZE  = 32
	DEFAULT_HTTP_ADDR  = "0.0.0.0:8088"
)

func NewConfig(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(CONF_PATH_ENV)
	}
	if path == "" {
		path = DEFAULT_CONF_PATH
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)

	v.SetDefault("proxy.http", DEFAULT_HTTP_ADDR)
	v.SetDefault("config_dir", DEFAULT_CONFIG_DIR)
	v.SetDefault("acme_store", DEFAULT_ACME_STORE)
	v.SetDefault("tls_dir", DEFAULT_TLS_DIR)
	v.SetDefault("pingora.work_stealing", true)
	v.SetDefault("pingora.upstream_keepalive_pool_size", DEFAULT_POOL_SIZE)

	if err := v.ReadInConfig(); err != nil {
		return nil, errConfig("unable to read config file %s: %v", path, err)
	}

	c := &Config{cfg: v}
	if err := v.Unmarshal(c); err != nil {
		return nil, errConfig("unable to parse config file %s: %v", path, err)
	}
	if c.Proxy.Http == "" {
		return nil, errConfig("proxy.http address is empty")
	}
	return c, nil
}

func (c *Config) GetHttpAddr() string {
	return c.Proxy.Http
}

func (c *Config) GetHttpsAddr() string {
	return c.Proxy.Https
}

func (c *Config) IsTlsEnabled() bool {
	return c.Proxy.Https != ""
}

func (c *Config) GetConfigDir() string {
	return c.ConfigDir
}

func (c *Config) GetAcmeStorePath() string {
	return c.AcmeStore
}

func (c *Config) GetTlsDir() string {
	return c.TlsDir
}

func (c *Config) GetPoolSize() int {
	if c.Server.UpstreamKeepalivePoolSize <= 0 {
		return DEFAULT_POOL_SIZE
	}
	return c.Server.UpstreamKeepalivePoolSize
}
