// Package webui serves the daemon's HTTP surface: the JSON API, the
// prometheus metrics endpoint and optionally pprof.
package webui

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/negroni"

	"github.com/beamlab/lanbeam/webui/handlers"

	_ "net/http/pprof"
)

// Config contains configuration for the HTTP server.
type Config struct {
	Host  string
	Port  int
	Pprof bool
}

// StartHttpServer starts the HTTP server in a background goroutine.
func StartHttpServer(config *Config, logger logrus.FieldLogger, api *handlers.APIHandler) {
	// init router
	router := mux.NewRouter()

	// register API routes
	router.HandleFunc("/api/devices", api.Devices).Methods("GET")
	router.HandleFunc("/api/status", api.Status).Methods("GET")

	// metrics endpoint
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add pprof handler
	if config.Pprof {
		router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	}

	n := negroni.New()
	n.Use(negroni.NewRecovery())
	n.UseHandler(router)

	if config.Host == "" {
		config.Host = "0.0.0.0"
	}
	if config.Port == 0 {
		config.Port = 8080
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		WriteTimeout: 0,
		ReadTimeout:  0,
		IdleTimeout:  120 * time.Second,
		Handler:      n,
	}

	logger.Infof("http server listening on %v", srv.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("error serving http")
		}
	}()
}
