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

// Package config loads pcmstream settings from file, environment and flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loqalabs/loqa-pcm-go/internal/audio"
)

// EnvPrefix prefixes every environment override, e.g. PCMSTREAM_CAPTURE_RATE
const EnvPrefix = "PCMSTREAM"

// Settings is the complete configuration
type Settings struct {
	Backend     string          `mapstructure:"backend"`
	WaitTimeout time.Duration   `mapstructure:"waittimeout"`
	Log         LogSettings     `mapstructure:"log"`
	Capture     DeviceSettings  `mapstructure:"capture"`
	Playback    DeviceSettings  `mapstructure:"playback"`
	NATS        NATSSettings    `mapstructure:"nats"`
	Metrics     MetricsSettings `mapstructure:"metrics"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DeviceSettings configures one PCM device
type DeviceSettings struct {
	Name         string `mapstructure:"name"`
	Rate         int    `mapstructure:"rate"`
	Channels     int    `mapstructure:"channels"`
	Periods      int    `mapstructure:"periods"`
	PeriodFrames int    `mapstructure:"periodframes"`
}

// Params converts the settings into device parameters
func (d DeviceSettings) Params() audio.Params {
	return audio.Params{
		Name:         d.Name,
		Rate:         d.Rate,
		Channels:     d.Channels,
		Periods:      d.Periods,
		PeriodFrames: d.PeriodFrames,
	}
}

type NATSSettings struct {
	URL             string        `mapstructure:"url"`
	Subject         string        `mapstructure:"subject"`
	ConnectAttempts int           `mapstructure:"connectattempts"`
	RetryDelay      time.Duration `mapstructure:"retrydelay"`
	ChunkFrames     int           `mapstructure:"chunkframes"`
	QueueFrames     int           `mapstructure:"queueframes"`
}

type MetricsSettings struct {
	// Addr is where /metrics is served, empty disables it
	Addr string `mapstructure:"addr"`
}

// SetDefaults registers the default of every setting on v
func SetDefaults(v *viper.Viper) {
	def := audio.DefaultParams()

	v.SetDefault("backend", "alsa")
	v.SetDefault("waittimeout", time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	for _, dir := range []string{"capture", "playback"} {
		v.SetDefault(dir+".name", def.Name)
		v.SetDefault(dir+".rate", def.Rate)
		v.SetDefault(dir+".channels", def.Channels)
		v.SetDefault(dir+".periods", def.Periods)
		v.SetDefault(dir+".periodframes", def.PeriodFrames)
	}
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject", "audio.pcm")
	v.SetDefault("nats.connectattempts", 5)
	v.SetDefault("nats.retrydelay", 2*time.Second)
	v.SetDefault("nats.chunkframes", def.PeriodFrames)
	v.SetDefault("nats.queueframes", 64)
	v.SetDefault("metrics.addr", "")
}

// Load reads path into v on top of the defaults and PCMSTREAM_* environment
// variables. A missing file is not an error; an empty path reads no file.
func Load(v *viper.Viper, path string) (*Settings, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			// an explicit config file surfaces the os error rather than ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("error reading config file %s: %w", path, err)
			}
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks every setting
func (s *Settings) Validate() error {
	var errs []error
	if s.Backend == "" {
		errs = append(errs, errors.New("backend must be set"))
	}
	if s.WaitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("waittimeout must be positive, got %s", s.WaitTimeout))
	}
	switch s.Log.Level {
	case "none", "error", "warn", "info", "debug", "trace":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", s.Log.Level))
	}
	switch s.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", s.Log.Format))
	}
	if err := s.Capture.Params().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("capture: %w", err))
	}
	if err := s.Playback.Params().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("playback: %w", err))
	}
	if s.NATS.Subject == "" {
		errs = append(errs, errors.New("nats.subject must be set"))
	}
	if s.NATS.ChunkFrames <= 0 {
		errs = append(errs, fmt.Errorf("nats.chunkframes must be positive, got %d", s.NATS.ChunkFrames))
	}
	if s.NATS.QueueFrames <= 0 {
		errs = append(errs, fmt.Errorf("nats.queueframes must be positive, got %d", s.NATS.QueueFrames))
	}
	return errors.Join(errs...)
}
