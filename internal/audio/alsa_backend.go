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
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gen2brain/alsa"
	"github.com/sirupsen/logrus"

	"github.com/loqalabs/loqa-pcm-go/internal/logging"
)

// alsaMaxRetries bounds recovery attempts for one transfer
const alsaMaxRetries = 10

// ALSABackend opens PCM devices directly through the kernel ALSA interface
type ALSABackend struct {
	names alsaNames
	log   *logrus.Entry
}

// NewALSABackend creates an ALSA backend reading device lists from /proc
func NewALSABackend() (*ALSABackend, error) {
	return &ALSABackend{
		names: alsaNames{procRoot: "/proc"},
		log:   logging.For("alsa"),
	}, nil
}

// Open opens and prepares the PCM device named in p
func (b *ALSABackend) Open(dir Direction, p Params) (Device, error) {
	if err := p.Validate(); err != nil {
		return nil, &DeviceError{Device: p.Name, Op: "open", Err: err}
	}
	card, device, err := b.names.resolve(p.Name, dir)
	if err != nil {
		return nil, &DeviceError{Device: p.Name, Op: "open", Err: err}
	}

	flags := alsa.PCM_OUT
	if dir == Capture {
		flags = alsa.PCM_IN
	}
	pcm, err := alsa.PcmOpen(card, device, flags, &alsa.Config{
		Channels:    uint32(p.Channels),
		Rate:        uint32(p.Rate),
		PeriodSize:  uint32(p.PeriodFrames),
		PeriodCount: uint32(p.Periods),
		Format:      alsa.PCM_FORMAT_S16_LE,
	})
	if err != nil {
		return nil, &DeviceError{Device: p.Name, Op: "open", Err: err}
	}

	d := &alsaDevice{
		pcm:  pcm,
		name: p.Name,
		dir:  dir,
		log: b.log.WithFields(logrus.Fields{
			"device":    p.Name,
			"direction": dir.String(),
			"card":      card,
			"pcm":       device,
		}),
	}
	if err := d.restart(); err != nil {
		_ = pcm.Close()
		return nil, &DeviceError{Device: p.Name, Op: "prepare", Err: err}
	}

	d.log.WithFields(logrus.Fields{
		"rate":          pcm.Rate(),
		"channels":      pcm.Channels(),
		"period_frames": pcm.PeriodSize(),
		"periods":       pcm.PeriodCount(),
	}).Info("Opened ALSA PCM device")
	return d, nil
}

// Devices lists hw:C,D names of every PCM device
func (b *ALSABackend) Devices() ([]string, error) {
	infos, err := b.names.list()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}

// Close is a no-op; ALSA has no process-wide state to release
func (b *ALSABackend) Close() error {
	return nil
}

type alsaDevice struct {
	pcm    *alsa.PCM
	name   string
	dir    Direction
	closed atomic.Bool
	log    *logrus.Entry
}

func (d *alsaDevice) Name() string         { return d.name }
func (d *alsaDevice) Direction() Direction { return d.dir }
func (d *alsaDevice) Rate() int            { return int(d.pcm.Rate()) }
func (d *alsaDevice) Channels() int        { return int(d.pcm.Channels()) }
func (d *alsaDevice) PeriodFrames() int    { return int(d.pcm.PeriodSize()) }

// restart brings the stream back to a usable state. Capture streams must
// be started explicitly; playback starts on the first write.
func (d *alsaDevice) restart() error {
	if err := d.pcm.Prepare(); err != nil {
		return err
	}
	if d.dir == Capture {
		return d.pcm.Start()
	}
	return nil
}

func (d *alsaDevice) Transfer(buf []int16) (int, error) {
	if d.closed.Load() {
		return 0, &DeviceError{Device: d.name, Op: "transfer", Err: ErrNotOpen}
	}
	channels := d.Channels()
	want := len(buf) / channels
	done := 0
	retries := 0

	for done < want {
		var n int
		var err error
		chunk := buf[done*channels : want*channels]
		frames := uint32(want - done)
		if d.dir == Capture {
			n, err = d.pcm.ReadI(chunk, frames)
		} else {
			n, err = d.pcm.WriteI(chunk, frames)
		}
		if err != nil {
			retries++
			if retries > alsaMaxRetries {
				return done, &DeviceError{Device: d.name, Op: "transfer", Err: fmt.Errorf("retry count exceeded: %w", err)}
			}
			d.log.WithError(err).WithField("retry", retries).Warn("ALSA transfer failed, recovering")
			if rerr := d.restart(); rerr != nil {
				return done, &DeviceError{Device: d.name, Op: "recover", Err: rerr}
			}
			continue
		}
		done += n
	}
	return done, nil
}

func (d *alsaDevice) WaitReady(timeout time.Duration) (bool, error) {
	if d.closed.Load() {
		return false, &DeviceError{Device: d.name, Op: "wait", Err: ErrNotOpen}
	}
	ready, err := d.pcm.Wait(int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ESTRPIPE) {
			// xrun: the next transfer restarts the stream
			d.log.WithError(err).Debug("ALSA xrun while waiting")
			return false, NewDeviceError(d.name, "recover", d.restart())
		}
		return false, &DeviceError{Device: d.name, Op: "wait", Err: err}
	}
	return ready, nil
}

// delay reads the kernel delay; a stream that is not running has none
func (d *alsaDevice) delay(op string) (int, error) {
	if d.closed.Load() {
		return 0, &DeviceError{Device: d.name, Op: op, Err: ErrNotOpen}
	}
	n, err := d.pcm.Delay()
	if err != nil {
		if errors.Is(err, syscall.EBADFD) || errors.Is(err, syscall.EPIPE) {
			return 0, nil
		}
		return 0, &DeviceError{Device: d.name, Op: op, Err: err}
	}
	return max(n, 0), nil
}

func (d *alsaDevice) Pending() (int, error) {
	return d.delay("pending")
}

func (d *alsaDevice) Latency() (int, error) {
	return d.delay("latency")
}

// Avail is the free space in the kernel buffer for playback, the captured
// frames for capture
func (d *alsaDevice) Avail() (int, error) {
	queued, err := d.delay("avail")
	if err != nil || d.dir == Capture {
		return queued, err
	}
	return max(int(d.pcm.BufferSize())-queued, 0), nil
}

func (d *alsaDevice) Drop() error {
	if d.closed.Load() {
		return &DeviceError{Device: d.name, Op: "drop", Err: ErrNotOpen}
	}
	if err := d.pcm.Stop(); err != nil {
		return &DeviceError{Device: d.name, Op: "drop", Err: err}
	}
	return NewDeviceError(d.name, "prepare", d.restart())
}

func (d *alsaDevice) Drain() error {
	if d.closed.Load() {
		return &DeviceError{Device: d.name, Op: "drain", Err: ErrNotOpen}
	}
	if d.dir != Playback {
		return &DeviceError{Device: d.name, Op: "drain", Err: ErrWrongDirection}
	}
	if err := d.pcm.Drain(); err != nil {
		return &DeviceError{Device: d.name, Op: "drain", Err: err}
	}
	return NewDeviceError(d.name, "prepare", d.restart())
}

func (d *alsaDevice) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.log.Debug("Closing ALSA PCM device")
	return NewDeviceError(d.name, "close", d.pcm.Close())
}
