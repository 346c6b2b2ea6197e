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
	"fmt"
	"strings"
	"time"
)

// Direction selects capture (device to application) or playback (application to device)
type Direction int

const (
	Capture Direction = iota
	Playback
)

func (d Direction) String() string {
	switch d {
	case Capture:
		return "capture"
	case Playback:
		return "playback"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Default device parameters, matching the classic ALSA binding defaults
const (
	DefaultDeviceName   = "default"
	DefaultRate         = 48000
	DefaultChannels     = 2
	DefaultPeriods      = 8
	DefaultPeriodFrames = 1024
)

// Params holds the requested device configuration. The backend may settle
// on a different rate; the opened Device reports what was negotiated.
type Params struct {
	Name         string
	Rate         int
	Channels     int
	Periods      int
	PeriodFrames int
}

// DefaultParams returns the parameters used when nothing is configured
func DefaultParams() Params {
	return Params{
		Name:         DefaultDeviceName,
		Rate:         DefaultRate,
		Channels:     DefaultChannels,
		Periods:      DefaultPeriods,
		PeriodFrames: DefaultPeriodFrames,
	}
}

// Validate checks that the parameters describe a usable device
func (p Params) Validate() error {
	if p.Rate <= 0 {
		return fmt.Errorf("invalid sample rate %d", p.Rate)
	}
	if p.Channels <= 0 || p.Channels > 255 {
		return fmt.Errorf("invalid channel count %d", p.Channels)
	}
	if p.Periods <= 0 {
		return fmt.Errorf("invalid period count %d", p.Periods)
	}
	if p.PeriodFrames <= 0 {
		return fmt.Errorf("invalid period size %d", p.PeriodFrames)
	}
	return nil
}

// Backend opens PCM devices. This enables dependency injection and makes
// the streaming layer testable without hardware.
type Backend interface {
	// Open opens and configures a device for the given direction
	Open(dir Direction, p Params) (Device, error)

	// Devices lists the device names the backend can open
	Devices() ([]string, error)

	// Close releases backend-wide resources
	Close() error
}

// Device is an open PCM device exchanging interleaved signed 16-bit frames.
//
// Transfer moves exactly len(buf)/Channels() frames, blocking as needed and
// recovering from underruns and overruns internally. It either moves every
// frame or returns a definitive error.
type Device interface {
	Name() string
	Direction() Direction
	Rate() int
	Channels() int
	PeriodFrames() int

	// Transfer reads into buf (capture) or writes buf (playback)
	Transfer(buf []int16) (int, error)

	// WaitReady waits until a period can be transferred without blocking
	WaitReady(timeout time.Duration) (bool, error)

	// Pending reports captured frames waiting to be read
	Pending() (int, error)

	// Latency reports frames written but not yet audible
	Latency() (int, error)

	// Avail reports frames that can be transferred without blocking: free
	// buffer space for playback, captured frames for capture
	Avail() (int, error)

	// Drop discards queued frames immediately
	Drop() error

	// Drain blocks until all queued frames have been played
	Drain() error

	// Close releases the device
	Close() error
}

// NewBackend returns the backend registered under name
func NewBackend(name string) (Backend, error) {
	switch strings.ToLower(name) {
	case "alsa":
		b, err := NewALSABackend()
		if err != nil {
			return nil, fmt.Errorf("failed to create ALSA backend: %w", err)
		}
		return b, nil
	case "portaudio":
		return NewPortAudioBackend(), nil
	case "malgo", "miniaudio":
		b, err := NewMalgoBackend()
		if err != nil {
			return nil, err
		}
		return b, nil
	case "mock":
		return NewMockBackend(), nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", name)
	}
}

// frameBytes is the size of one interleaved S16 frame
func frameBytes(channels int) int {
	return 2 * channels
}
