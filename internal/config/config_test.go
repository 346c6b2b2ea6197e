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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-pcm-go/internal/audio"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pcmstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	s, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "alsa", s.Backend)
	assert.Equal(t, time.Second, s.WaitTimeout)
	assert.Equal(t, "info", s.Log.Level)
	assert.Equal(t, audio.DefaultParams(), s.Capture.Params())
	assert.Equal(t, audio.DefaultParams(), s.Playback.Params())
	assert.Equal(t, "nats://localhost:4222", s.NATS.URL)
	assert.Equal(t, "audio.pcm", s.NATS.Subject)
	assert.Equal(t, 5, s.NATS.ConnectAttempts)
	assert.Equal(t, 2*time.Second, s.NATS.RetryDelay)
	assert.Empty(t, s.Metrics.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	s, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "alsa", s.Backend)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
backend: malgo
waittimeout: 250ms
log:
  level: debug
  format: json
capture:
  name: hw:1,0
  rate: 16000
  channels: 1
playback:
  periodframes: 256
nats:
  subject: audio.kitchen
metrics:
  addr: ":9102"
`)

	s, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "malgo", s.Backend)
	assert.Equal(t, 250*time.Millisecond, s.WaitTimeout)
	assert.Equal(t, LogSettings{Level: "debug", Format: "json"}, s.Log)
	assert.Equal(t, audio.Params{Name: "hw:1,0", Rate: 16000, Channels: 1, Periods: 8, PeriodFrames: 1024}, s.Capture.Params())
	assert.Equal(t, 256, s.Playback.PeriodFrames)
	assert.Equal(t, "audio.kitchen", s.NATS.Subject)
	assert.Equal(t, ":9102", s.Metrics.Addr)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("PCMSTREAM_BACKEND", "portaudio")
	t.Setenv("PCMSTREAM_PLAYBACK_RATE", "22050")
	t.Setenv("PCMSTREAM_NATS_RETRYDELAY", "100ms")

	s, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "portaudio", s.Backend)
	assert.Equal(t, 22050, s.Playback.Rate)
	assert.Equal(t, 100*time.Millisecond, s.NATS.RetryDelay)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, "capture: [unterminated")
	_, err := Load(viper.New(), path)
	assert.ErrorContains(t, err, "error reading config file")
}

func TestValidate(t *testing.T) {
	valid := func() *Settings {
		s, err := Load(viper.New(), "")
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name   string
		mutate func(*Settings)
		errMsg string
	}{
		{"empty backend", func(s *Settings) { s.Backend = "" }, "backend must be set"},
		{"zero wait", func(s *Settings) { s.WaitTimeout = 0 }, "waittimeout must be positive"},
		{"bad level", func(s *Settings) { s.Log.Level = "loud" }, `unknown log level "loud"`},
		{"bad format", func(s *Settings) { s.Log.Format = "xml" }, `unknown log format "xml"`},
		{"capture rate", func(s *Settings) { s.Capture.Rate = 0 }, "capture: invalid sample rate 0"},
		{"playback channels", func(s *Settings) { s.Playback.Channels = 300 }, "playback: invalid channel count 300"},
		{"empty subject", func(s *Settings) { s.NATS.Subject = "" }, "nats.subject must be set"},
		{"chunk", func(s *Settings) { s.NATS.ChunkFrames = -1 }, "nats.chunkframes must be positive"},
		{"queue", func(s *Settings) { s.NATS.QueueFrames = 0 }, "nats.queueframes must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			assert.ErrorContains(t, s.Validate(), tt.errMsg)
		})
	}

	assert.NoError(t, valid().Validate())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, "capture:\n  periods: 0\n")
	_, err := Load(viper.New(), path)
	assert.ErrorContains(t, err, "capture: invalid period count 0")
}
