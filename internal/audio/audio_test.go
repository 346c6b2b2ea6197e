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

package audio

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isCIEnvironment detects if we're running in a CI environment
func isCIEnvironment() bool {
	ciEnvVars := []string{
		"CI", // Generic CI indicator
		"CONTINUOUS_INTEGRATION",
		"GITHUB_ACTIONS", // GitHub Actions
		"GITLAB_CI",      // GitLab CI
		"JENKINS_URL",    // Jenkins
		"BUILDKITE",      // Buildkite
	}

	for _, envVar := range ciEnvVars {
		if os.Getenv(envVar) != "" {
			return true
		}
	}
	return false
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "capture", Capture.String())
	assert.Equal(t, "playback", Playback.String())
	assert.Equal(t, "direction(7)", Direction(7).String())
}

func TestParams(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p := DefaultParams()
		assert.Equal(t, "default", p.Name)
		assert.Equal(t, 48000, p.Rate)
		assert.Equal(t, 2, p.Channels)
		assert.Equal(t, 8, p.Periods)
		assert.Equal(t, 1024, p.PeriodFrames)
		assert.NoError(t, p.Validate())
	})

	t.Run("invalid_values", func(t *testing.T) {
		tests := []struct {
			name   string
			mutate func(*Params)
			want   string
		}{
			{"zero_rate", func(p *Params) { p.Rate = 0 }, "sample rate"},
			{"no_channels", func(p *Params) { p.Channels = 0 }, "channel count"},
			{"too_many_channels", func(p *Params) { p.Channels = 256 }, "channel count"},
			{"no_periods", func(p *Params) { p.Periods = 0 }, "period count"},
			{"negative_period", func(p *Params) { p.PeriodFrames = -1 }, "period size"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				p := DefaultParams()
				tt.mutate(&p)
				err := p.Validate()
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.want)
			})
		}
	})
}

func TestNewBackend(t *testing.T) {
	t.Run("mock", func(t *testing.T) {
		b, err := NewBackend("mock")
		require.NoError(t, err)
		assert.IsType(t, &MockBackend{}, b)
	})

	t.Run("case_insensitive", func(t *testing.T) {
		b, err := NewBackend("PortAudio")
		require.NoError(t, err)
		assert.IsType(t, &PortAudioBackend{}, b)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := NewBackend("oss")
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"oss"`)
	})
}

func TestDeviceError(t *testing.T) {
	cause := errors.New("no such file or directory")

	t.Run("message_names_device", func(t *testing.T) {
		err := &DeviceError{Device: "hw:1,0", Op: "open", Err: cause}
		assert.Equal(t, `open on PCM device "hw:1,0": no such file or directory`, err.Error())
		assert.ErrorIs(t, err, cause)
	})

	t.Run("wrap_nil", func(t *testing.T) {
		assert.NoError(t, NewDeviceError("hw:0", "close", nil))
	})

	t.Run("no_double_wrap", func(t *testing.T) {
		inner := &DeviceError{Device: "hw:0", Op: "read", Err: cause}
		err := NewDeviceError("other", "transfer", inner)
		assert.Same(t, inner, err)
	})

	t.Run("short_transfer", func(t *testing.T) {
		err := ShortTransfer("hw:0", "write", 10, 64)
		assert.ErrorIs(t, err, ErrShortTransfer)
		assert.Contains(t, err.Error(), "10 of 64")

		var de *DeviceError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "hw:0", de.Device)
	})
}
