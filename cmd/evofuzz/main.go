package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"alma.local/evofuzz/controller"
	"alma.local/evofuzz/internal/config"
)

var (
	flagConfig       = flag.String("config", "", "path to the fuzzer YAML config (defaults are used when empty)")
	flagLogLevel     = flag.String("log-level", "info", "logrus level: debug, info, warn, error")
	flagLogFormat    = flag.String("log-format", "text", "log output format: text or json")
	flagMetricsAddr  = flag.String("metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")
	flagStartStopped = flag.Bool("start-stopped", false, "start paused; use the start command to begin")
	flagNoConsole    = flag.Bool("no-console", false, "do not read operator commands from stdin")
)

var log = logrus.WithField("prefix", "main")

func setupLogging() {
	level, err := logrus.ParseLevel(*flagLogLevel)
	if err != nil {
		logrus.Fatalf("invalid -log-level %q: %v", *flagLogLevel, err)
	}
	logrus.SetLevel(level)
	switch *flagLogFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logrus.Fatalf("unsupported -log-format %q (expected text or json)", *flagLogFormat)
	}
}

func loadConfig() config.Config {
	cfg := config.Default()
	if *flagConfig != "" {
		var err error
		if cfg, err = config.Load(*flagConfig); err != nil {
			log.WithError(err).Fatal("Could not load config")
		}
	}
	if *flagMetricsAddr != "" {
		cfg.MetricsAddr = *flagMetricsAddr
	}
	if *flagStartStopped {
		cfg.StartStopped = true
	}
	return cfg
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Metrics server failed")
		}
	}()
	log.WithField("addr", addr).Info("Serving metrics")
	return srv
}

func main() {
	flag.Parse()
	setupLogging()
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reg prometheus.Registerer
	if cfg.MetricsAddr != "" {
		r := prometheus.NewRegistry()
		r.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		srv := serveMetrics(cfg.MetricsAddr, r)
		defer srv.Close()
		reg = r
	}

	c, err := controller.New(cfg, reg)
	if err != nil {
		log.WithError(err).Fatal("Could not set up fuzzer")
	}
	if !*flagNoConsole {
		go func() {
			if err := c.Console(ctx, os.Stdin, os.Stdout); err != nil {
				log.WithError(err).Warn("Console closed")
			}
		}()
	}
	if err := c.Run(ctx); err != nil {
		log.WithError(err).Fatal("Fuzzing aborted")
	}
	log.WithField("status", c.Status().String()).Info("Shutting down")
}
