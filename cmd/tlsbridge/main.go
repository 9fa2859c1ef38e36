// Command tlsbridge runs a bridging server between downstream clients and a
// fixed upstream, driven by an INI config file.
package main

import (
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/getlantern/golog"
	"github.com/getlantern/tlsbridge"
	"github.com/getlantern/tlsbridge/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

var (
	log = golog.LoggerFor("tlsbridge.main")

	configPath = pflag.StringP("config", "c", "", "path to an INI config file")
)

func main() {
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Unable to load config: %v", err)
	}
	opts, err := cfg.BridgeOpts()
	if err != nil {
		log.Fatalf("Unable to build bridge options: %v", err)
	}
	bridge, err := tlsbridge.New(opts)
	if err != nil {
		log.Fatalf("Unable to create bridge: %v", err)
	}
	l, err := cfg.NewListener()
	if err != nil {
		log.Fatalf("Unable to listen: %v", err)
	}

	if cfg.Status.Addr != "" {
		go serveStatus(cfg.Status.Addr, bridge)
	}

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sig := <-ch
		log.Debugf("Received %v, shutting down", sig)
		if err := bridge.Close(); err != nil {
			log.Errorf("Error shutting down: %v", err)
		}
	}()

	log.Debugf("Bridging %v to %v", l.Addr(), cfg.UpstreamAddr())
	if err := bridge.Serve(l); err != nil {
		log.Fatalf("Unable to serve: %v", err)
	}
}

// serveStatus exposes the bridge's health, telemetry ring and Prometheus
// metrics over plain HTTP.
func serveStatus(addr string, bridge tlsbridge.Bridge) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/telemetry", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(bridge.Telemetry().Snapshot()); err != nil {
			log.Errorf("Unable to encode telemetry: %v", err)
		}
	})
	log.Debugf("Serving status at http://%v", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("Status server failed: %v", err)
	}
}
