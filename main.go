package main

import (
	"flag"
	"os"

	"github.com/assetsart/easy-proxy/core"
	"github.com/assetsart/easy-proxy/log"
)

var cfg_path = flag.String("c", "", "Runtime configuration file path")
var debug_log = flag.Bool("debug", false, "Enable debug output")
var developer_mode = flag.Bool("developer", false, "Enable developer mode (generates self-signed certificates for hosts without one)")
var test_flag = flag.Bool("t", false, "Validate the dynamic configuration and exit")
var reload_flag = flag.Bool("r", false, "Validate the dynamic configuration and reload a running proxy")
var version_flag = flag.Bool("v", false, "Show version")

func init() {
	flag.BoolVar(test_flag, "test", false, "Validate the dynamic configuration and exit")
	flag.BoolVar(reload_flag, "reload", false, "Validate the dynamic configuration and reload a running proxy")
}

func main() {
	flag.Parse()

	if *version_flag {
		log.Info("version: %s", core.VERSION)
		return
	}

	log.DebugEnable(*debug_log)
	if *debug_log {
		log.Info("debug output enabled")
	}

	cfg, err := core.NewConfig(*cfg_path)
	if err != nil {
		log.Fatal("config: %v", err)
		os.Exit(1)
	}

	acme_store, err := core.NewAcmeStore(cfg.GetAcmeStorePath())
	if err != nil {
		log.Fatal("acme store: %v", err)
		os.Exit(1)
	}

	var dev *core.DevCerts
	if *developer_mode {
		dev, err = core.NewDevCerts(cfg.GetTlsDir())
		if err != nil {
			log.Fatal("developer certs: %v", err)
			os.Exit(1)
		}
		log.Info("developer mode enabled, self-signed certificates will be generated")
	}

	store := core.NewStore()
	manager := core.NewAcmeManager(store, acme_store)
	reloader := core.NewReloader(cfg, store, acme_store, manager, dev)

	if *test_flag {
		if err := reloader.Test(); err != nil {
			log.Error("%v", err)
			os.Exit(1)
		}
		log.Success("proxy config is valid")
		return
	}

	if *reload_flag {
		if err := reloader.Test(); err != nil {
			log.Error("%v", err)
			os.Exit(1)
		}
		res, err := core.SendCommand("", "reload")
		if err != nil {
			log.Error("%v", err)
			os.Exit(1)
		}
		if res.MessageType == "error" {
			log.Error("%s", res.Message)
			os.Exit(1)
		}
		log.Success("%s", res.Message)
		return
	}

	if err := reloader.Reload(); err != nil {
		log.Fatal("config: %v", err)
		os.Exit(1)
	}

	control := core.NewControlSocket("", reloader)
	if err := control.Start(); err != nil {
		log.Fatal("control: %v", err)
		os.Exit(1)
	}

	watcher, err := core.NewConfigWatcher(cfg.GetConfigDir(), reloader)
	if err != nil {
		log.Warning("config: filesystem watch disabled: %v", err)
	} else {
		watcher.Start()
	}

	conns := core.NewConnManager(cfg.GetPoolSize())
	hp, err := core.NewHttpProxy(cfg, store, conns, manager)
	if err != nil {
		log.Fatal("proxy: %v", err)
		os.Exit(1)
	}
	if err := hp.Start(); err != nil {
		log.Fatal("proxy: %v", err)
		os.Exit(1)
	}
	log.Important("proxy server started on: %s", cfg.GetHttpAddr())
	if cfg.IsTlsEnabled() {
		log.Important("https server started on: %s", cfg.GetHttpsAddr())
	}

	select {}
}
