/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/loqalabs/loqa-pcm-go/internal/audio"
	"github.com/loqalabs/loqa-pcm-go/internal/config"
	"github.com/loqalabs/loqa-pcm-go/internal/logging"
	"github.com/loqalabs/loqa-pcm-go/internal/metrics"
	"github.com/loqalabs/loqa-pcm-go/internal/nats"
	"github.com/loqalabs/loqa-pcm-go/internal/stream"
)

// app carries what every sub-command shares
type app struct {
	v          *viper.Viper
	configPath string
	settings   *config.Settings
	log        *logrus.Entry

	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	server      *http.Server
	metricsAddr string
	serveDone   chan struct{}

	newBackend func(name string) (audio.Backend, error)
	connect    func(url string, attempts int, delay time.Duration) (nats.Conn, error)
}

func newApp() *app {
	return &app{
		v:          viper.New(),
		log:        logging.For("pcmstream"),
		newBackend: audio.NewBackend,
		connect: func(url string, attempts int, delay time.Duration) (nats.Conn, error) {
			conn, err := nats.Connect(url, attempts, delay)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
	}
}

// execute runs the command line args and releases everything afterwards
func execute(ctx context.Context, a *app, args []string) error {
	rootCmd := RootCommand(a)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if shutdownErr := a.shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}

// RootCommand creates the root command with every sub-command attached
func RootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "pcmstream",
		Short:        "Buffered PCM capture and playback",
		SilenceUsage: true,
	}

	setupFlags(rootCmd, a)

	rootCmd.AddCommand(
		recordCommand(a),
		playCommand(a),
		loopbackCommand(a),
		publishCommand(a),
		subscribeCommand(a),
		devicesCommand(a),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.initialize(cmd)
	}

	return rootCmd
}

func setupFlags(rootCmd *cobra.Command, a *app) {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Path to the config file")
	flags.String("backend", "", "Audio backend: alsa, portaudio, malgo or mock")
	flags.String("log-level", "", "Log level: none, error, warn, info, debug or trace")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")

	// Flag lookups cannot fail for flags defined just above
	_ = a.v.BindPFlag("backend", flags.Lookup("backend"))
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
}

// initialize loads the settings and sets up logging and metrics
func (a *app) initialize(cmd *cobra.Command) error {
	settings, err := config.Load(a.v, a.configPath)
	if err != nil {
		return err
	}
	a.settings = settings

	if err := logging.Configure(settings.Log.Level, settings.Log.Format, cmd.ErrOrStderr()); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if a.metrics, err = metrics.New(a.registry); err != nil {
		return err
	}

	if settings.Metrics.Addr != "" {
		return a.serveMetrics(settings.Metrics.Addr)
	}
	return nil
}

func (a *app) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.metricsAddr = ln.Addr().String()
	a.serveDone = make(chan struct{})

	go func() {
		defer close(a.serveDone)
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("Metrics server stopped")
		}
	}()

	a.log.WithField("addr", a.metricsAddr).Info("Serving metrics")
	return nil
}

func (a *app) shutdown() error {
	if a.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := a.server.Shutdown(ctx)
	<-a.serveDone
	a.server = nil
	return err
}

func (a *app) openBackend() (audio.Backend, error) {
	b, err := a.newBackend(a.settings.Backend)
	if err != nil {
		return nil, err
	}
	a.log.WithField("backend", a.settings.Backend).Debug("Audio backend ready")
	return b, nil
}

func (a *app) streamOptions(component string) []stream.Option {
	return []stream.Option{
		stream.WithWaitTimeout(a.settings.WaitTimeout),
		stream.WithMetrics(a.metrics),
		stream.WithLogger(logging.For(component)),
	}
}

// deviceFlags overrides device settings from the command line
type deviceFlags struct {
	prefix   string
	name     string
	rate     int
	channels int
	period   int
}

func (d *deviceFlags) register(cmd *cobra.Command, prefix string) {
	d.prefix = prefix
	cmd.Flags().StringVar(&d.name, prefix+"device", "", "PCM device name")
	cmd.Flags().IntVar(&d.rate, prefix+"rate", 0, "Sample rate in Hz")
	cmd.Flags().IntVar(&d.channels, prefix+"channels", 0, "Number of channels")
	cmd.Flags().IntVar(&d.period, prefix+"period", 0, "Period size in frames")
}

func (d *deviceFlags) apply(cmd *cobra.Command, p audio.Params) audio.Params {
	if cmd.Flags().Changed(d.prefix + "device") {
		p.Name = d.name
	}
	if cmd.Flags().Changed(d.prefix + "rate") {
		p.Rate = d.rate
	}
	if cmd.Flags().Changed(d.prefix + "channels") {
		p.Channels = d.channels
	}
	if cmd.Flags().Changed(d.prefix + "period") {
		p.PeriodFrames = d.period
	}
	return p
}

// framesFor converts a duration to frames, 0 meaning unbounded
func framesFor(d time.Duration, rate int) int {
	if d <= 0 {
		return 0
	}
	return max(1, int(d.Seconds()*float64(rate)))
}

// interrupted reports cancellation by signal, which ends a command normally
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}
