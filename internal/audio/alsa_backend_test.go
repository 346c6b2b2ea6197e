//go:build linux

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-pcm-go/internal/logging"
)

func TestALSABackendOpenErrors(t *testing.T) {
	backend := &ALSABackend{names: fakeProc(t), log: logging.For("alsa")}

	t.Run("invalid_params", func(t *testing.T) {
		p := DefaultParams()
		p.Rate = 0
		_, err := backend.Open(Playback, p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sample rate")
	})

	t.Run("unknown_card", func(t *testing.T) {
		p := DefaultParams()
		p.Name = "hw:Nope,0"
		_, err := backend.Open(Capture, p)
		var de *DeviceError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "hw:Nope,0", de.Device)
		assert.Equal(t, "open", de.Op)
	})

	t.Run("devices", func(t *testing.T) {
		names, err := backend.Devices()
		require.NoError(t, err)
		assert.Equal(t, []string{"hw:0,0", "hw:0,1", "hw:0,2", "hw:1,0"}, names)
	})
}

// TestALSADevice exercises real PCM devices when a sound card is present
func TestALSADevice(t *testing.T) {
	if isCIEnvironment() {
		t.Skip("Skipping ALSA tests in CI environment")
	}

	backend, err := NewALSABackend()
	require.NoError(t, err)
	defer func() { _ = backend.Close() }()

	params := Params{Name: DefaultDeviceName, Rate: 48000, Channels: 2, Periods: 4, PeriodFrames: 256}

	t.Run("capture", func(t *testing.T) {
		dev, err := backend.Open(Capture, params)
		if err != nil {
			t.Skipf("Opening ALSA capture device failed (may be expected): %v", err)
		}
		defer func() { _ = dev.Close() }()

		buf := make([]int16, 100*dev.Channels())
		n, err := dev.Transfer(buf)
		require.NoError(t, err)
		assert.Equal(t, 100, n)

		avail, err := dev.Avail()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, avail, 0)

		assert.ErrorIs(t, dev.Drain(), ErrWrongDirection)
		require.NoError(t, dev.Close())
		require.NoError(t, dev.Close())

		_, err = dev.Transfer(buf)
		assert.ErrorIs(t, err, ErrNotOpen)
	})

	t.Run("playback", func(t *testing.T) {
		dev, err := backend.Open(Playback, params)
		if err != nil {
			t.Skipf("Opening ALSA playback device failed (may be expected): %v", err)
		}
		defer func() { _ = dev.Close() }()

		silence := make([]int16, dev.PeriodFrames()*dev.Channels())
		n, err := dev.Transfer(silence)
		require.NoError(t, err)
		assert.Equal(t, dev.PeriodFrames(), n)

		avail, err := dev.Avail()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, avail, 0)

		// a dropped device accepts frames again without further setup
		require.NoError(t, dev.Drop())
		n, err = dev.Transfer(silence)
		require.NoError(t, err)
		assert.Equal(t, dev.PeriodFrames(), n)
		require.NoError(t, dev.Drain())
	})
}
