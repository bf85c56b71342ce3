package core

import (
	"github.com/assetsart/easy-proxy/log"
)

// Reloader ties the loader, the snapshot publisher and the acme manager
// together. Test builds a candidate and throws it away; Reload publishes
// it. Either way a failure leaves the live snapshot untouched.
type Reloader struct {
	cfg       *Config
	store     *Store
	acmeStore *AcmeStore
	manager   *AcmeManager
	dev       *DevCerts
}

func NewReloader(cfg *Config, store *Store, acmeStore *AcmeStore, manager *AcmeManager, dev *DevCerts) *Reloader {
	return &Reloader{
		cfg:       cfg,
		store:     store,
		acmeStore: acmeStore,
		manager:   manager,
		dev:       dev,
	}
}

func (r *Reloader) build() (*Snapshot, map[string]*AcmeRequest, error) {
	configs, err := ReadConfigDir(r.cfg.GetConfigDir())
	if err != nil {
		return nil, nil, err
	}
	return BuildSnapshot(configs, r.acmeStore, r.dev)
}

// Test validates the dynamic config without touching the live snapshot.
func (r *Reloader) Test() error {
	_, _, err := r.build()
	return err
}

// Reload builds and atomically publishes a new snapshot, then hands the
// collected acme requests to the lifecycle manager.
func (r *Reloader) Reload() error {
	snap, requests, err := r.build()
	if err != nil {
		return err
	}
	r.store.Publish(snap)
	log.Info("config: published snapshot with %d services, %d host routes, %d header routes",
		len(snap.Proxy.HttpServices), len(snap.Proxy.HostRoutes), len(snap.Proxy.HeaderRoutes))
	if r.manager != nil {
		r.manager.AfterPublish(requests)
	}
	return nil
}
