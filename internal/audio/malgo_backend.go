//go:build cgo

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

	"github.com/gen2brain/malgo"
	"github.com/sirupsen/logrus"

	"github.com/loqalabs/loqa-pcm-go/internal/logging"
)

// MalgoBackend opens devices through miniaudio. Devices run in callback
// mode; a byte FIFO per device turns the callbacks into blocking transfers.
type MalgoBackend struct {
	ctx *malgo.AllocatedContext
	log *logrus.Entry
}

// NewMalgoBackend initializes a miniaudio context with the platform's default backends
func NewMalgoBackend() (*MalgoBackend, error) {
	log := logging.For("malgo")
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug(message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize miniaudio context: %w", err)
	}
	return &MalgoBackend{ctx: ctx, log: log}, nil
}

// Close releases the miniaudio context
func (b *MalgoBackend) Close() error {
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	b.ctx = nil
	return err
}

func malgoType(dir Direction) malgo.DeviceType {
	if dir == Capture {
		return malgo.Capture
	}
	return malgo.Playback
}

// Devices lists capture and playback device names
func (b *MalgoBackend) Devices() ([]string, error) {
	var names []string
	for _, dir := range []Direction{Capture, Playback} {
		infos, err := b.ctx.Devices(malgoType(dir))
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate %s devices: %w", dir, err)
		}
		for i := range infos {
			names = append(names, infos[i].Name())
		}
	}
	return names, nil
}

// findDevice returns the device named name, or nil for the default device
func (b *MalgoBackend) findDevice(dir Direction, name string) (*malgo.DeviceInfo, error) {
	if name == "" || name == DefaultDeviceName {
		return nil, nil
	}
	infos, err := b.ctx.Devices(malgoType(dir))
	if err != nil {
		return nil, err
	}
	for i := range infos {
		if infos[i].Name() == name {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("no %s device named %q", dir, name)
}

// Open initializes and starts a miniaudio device
func (b *MalgoBackend) Open(dir Direction, p Params) (Device, error) {
	if err := p.Validate(); err != nil {
		return nil, &DeviceError{Device: p.Name, Op: "open", Err: err}
	}
	info, err := b.findDevice(dir, p.Name)
	if err != nil {
		return nil, &DeviceError{Device: p.Name, Op: "open", Err: err}
	}

	cfg := malgo.DefaultDeviceConfig(malgoType(dir))
	cfg.SampleRate = uint32(p.Rate)
	cfg.PeriodSizeInFrames = uint32(p.PeriodFrames)
	cfg.Periods = uint32(p.Periods)
	cfg.Alsa.NoMMap = 1
	if dir == Capture {
		cfg.Capture.Format = malgo.FormatS16
		cfg.Capture.Channels = uint32(p.Channels)
		if info != nil {
			cfg.Capture.DeviceID = info.ID.Pointer()
		}
	} else {
		cfg.Playback.Format = malgo.FormatS16
		cfg.Playback.Channels = uint32(p.Channels)
		if info != nil {
			cfg.Playback.DeviceID = info.ID.Pointer()
		}
	}

	d := newMalgoDevice(p.Name, dir, p.Rate, p.Channels, p.PeriodFrames, p.Periods)
	d.log = b.log.WithFields(logrus.Fields{"device": p.Name, "direction": dir.String()})

	device, err := malgo.InitDevice(b.ctx.Context, cfg, malgo.DeviceCallbacks{Data: d.onData})
	if err != nil {
		return nil, &DeviceError{Device: p.Name, Op: "open", Err: err}
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, &DeviceError{Device: p.Name, Op: "start", Err: err}
	}
	d.stop = device.Uninit
	if rate := int(device.SampleRate()); rate > 0 {
		d.rate = rate
	}

	d.log.WithField("rate", d.rate).Info("Opened miniaudio device")
	return d, nil
}
