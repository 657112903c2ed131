package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/raopcore"
	"github.com/opd-ai/raopcore/config"
	"github.com/opd-ai/raopcore/crypto"
	"github.com/opd-ai/raopcore/dnssd"
	"github.com/opd-ai/raopcore/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the receiver until interrupted",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(*configFile, cmd.Flags())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	}

	flags := cmd.Flags()
	flags.String("name", "", "service name shown to senders")
	flags.Int("port", 0, "control port, 0 for any")
	flags.String("bind", "", "bind address")
	flags.String("hwaddr", "", "hardware address, e.g. 48:5d:60:7c:ee:22")
	flags.String("password", "", "require this password")
	flags.String("rsa-key", "", "PEM file with the RSA key")
	flags.Bool("advertise", true, "advertise over multicast DNS")
	flags.String("policy", "", "second sender policy: reject or preempt")
	flags.String("log-level", "", "log level")
	flags.String("log-format", "", "log format: text or json")
	flags.Bool("metrics", false, "serve Prometheus metrics")
	flags.String("wav-dir", "", "record sessions as WAV files in this directory")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ApplyLogging(); err != nil {
		return err
	}
	hwaddr, err := cfg.HardwareAddr()
	if err != nil {
		return err
	}
	caps, err := cfg.ControlCapabilities()
	if err != nil {
		return err
	}

	options := raopcore.NewOptions()
	options.Capabilities = caps
	options.Session = cfg.SessionManagerConfig()
	options.BindAddress = cfg.BindAddress
	options.Password = cfg.Password

	if cfg.RSAKeyFile != "" {
		if options.RSAKey, err = crypto.LoadRSAKeyFile(cfg.RSAKeyFile); err != nil {
			return err
		}
	}
	if cfg.Advertise {
		options.Advertiser = dnssd.NewZeroconfAdvertiser(caps, cfg.Password != "")
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		options.Metrics = metrics.New(registry)
		metricsServer = startMetricsServer(cfg.Metrics.Address, registry)
	}

	recorder := newRecorder(cfg.Output.WAVPath)
	options.Callbacks = recorder

	receiver, err := raopcore.New(options)
	if err != nil {
		return err
	}
	port, err := receiver.Start(cfg.Port, hwaddr)
	if err != nil {
		return err
	}
	if cfg.Advertise {
		if err := receiver.Advertise(cfg.Name); err != nil {
			logrus.WithError(err).Warn("Receiver is running but not advertised")
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "serve",
		"name":     cfg.Name,
		"port":     port,
		"hwaddr":   hwaddr.String(),
	}).Info("raopd ready")

	<-ctx.Done()
	logrus.WithField("function", "serve").Info("Shutting down")

	stopErr := receiver.Stop()
	recorder.Close()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("Metrics server shutdown failed")
		}
	}
	return stopErr
}

func startMetricsServer(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "startMetricsServer",
				"address":  addr,
				"error":    err.Error(),
			}).Error("Metrics server failed")
		}
	}()
	logrus.WithField("address", addr).Info("Serving metrics")
	return srv
}
