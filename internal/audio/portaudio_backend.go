//go:build portaudio

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
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/sirupsen/logrus"

	"github.com/loqalabs/loqa-pcm-go/internal/logging"
)

// PortAudioBackend implements Backend using the real PortAudio library
type PortAudioBackend struct {
	mu          sync.Mutex
	initialized bool
	log         *logrus.Entry
}

// NewPortAudioBackend creates a new PortAudio backend
func NewPortAudioBackend() *PortAudioBackend {
	return &PortAudioBackend{log: logging.For("portaudio")}
}

// Initialize initializes the PortAudio subsystem
func (p *PortAudioBackend) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	p.initialized = true
	return nil
}

// Terminate terminates the PortAudio subsystem
func (p *PortAudioBackend) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}
	err := portaudio.Terminate()
	p.initialized = false
	return err
}

// Close terminates PortAudio
func (p *PortAudioBackend) Close() error {
	return p.Terminate()
}

// Devices lists the PortAudio device names
func (p *PortAudioBackend) Devices() ([]string, error) {
	if err := p.Initialize(); err != nil {
		return nil, err
	}
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list PortAudio devices: %w", err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return names, nil
}

// Open opens a blocking PortAudio stream with one period per buffer
func (p *PortAudioBackend) Open(dir Direction, params Params) (Device, error) {
	if err := params.Validate(); err != nil {
		return nil, &DeviceError{Device: params.Name, Op: "open", Err: err}
	}
	if err := p.Initialize(); err != nil {
		return nil, &DeviceError{Device: params.Name, Op: "open", Err: err}
	}

	buffer := make([]int16, params.PeriodFrames*params.Channels)
	stream, err := p.openStream(dir, params, buffer)
	if err != nil {
		return nil, &DeviceError{Device: params.Name, Op: "open", Err: err}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, &DeviceError{Device: params.Name, Op: "start", Err: err}
	}

	rate := params.Rate
	if info := stream.Info(); info != nil && info.SampleRate > 0 {
		rate = int(info.SampleRate)
	}
	d := &portAudioDevice{
		stream:   stream,
		buffer:   buffer,
		name:     params.Name,
		dir:      dir,
		rate:     rate,
		channels: params.Channels,
		period:   params.PeriodFrames,
		log: p.log.WithFields(logrus.Fields{
			"device":    params.Name,
			"direction": dir.String(),
		}),
	}
	d.log.WithField("rate", rate).Info("Opened PortAudio stream")
	return d, nil
}

func (p *PortAudioBackend) openStream(dir Direction, params Params, buffer []int16) (*portaudio.Stream, error) {
	in, out := params.Channels, 0
	if dir == Playback {
		in, out = 0, params.Channels
	}
	if params.Name == "" || params.Name == DefaultDeviceName {
		return portaudio.OpenDefaultStream(in, out, float64(params.Rate), params.PeriodFrames, buffer)
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Name != params.Name {
			continue
		}
		var sp portaudio.StreamParameters
		if dir == Capture {
			sp = portaudio.HighLatencyParameters(info, nil)
			sp.Input.Channels = params.Channels
		} else {
			sp = portaudio.HighLatencyParameters(nil, info)
			sp.Output.Channels = params.Channels
		}
		sp.SampleRate = float64(params.Rate)
		sp.FramesPerBuffer = params.PeriodFrames
		return portaudio.OpenStream(sp, buffer)
	}
	return nil, fmt.Errorf("no PortAudio device named %q", params.Name)
}

// portAudioDevice adapts a blocking PortAudio stream, which moves exactly
// one period per call, to transfers of any size. Capture keeps the unread
// part of the last period; playback fills a period before writing it.
type portAudioDevice struct {
	stream   *portaudio.Stream
	buffer   []int16
	name     string
	dir      Direction
	rate     int
	channels int
	period   int
	log      *logrus.Entry

	// pos is the read offset (capture) or fill level (playback) of buffer, in samples
	pos    int
	staged atomic.Int64
	closed atomic.Bool
}

func (d *portAudioDevice) Name() string         { return d.name }
func (d *portAudioDevice) Direction() Direction { return d.dir }
func (d *portAudioDevice) Rate() int            { return d.rate }
func (d *portAudioDevice) Channels() int        { return d.channels }
func (d *portAudioDevice) PeriodFrames() int    { return d.period }

// setPos updates the staging offset and the frame count WaitReady sees
func (d *portAudioDevice) setPos(pos int) {
	d.pos = pos
	if d.dir == Capture {
		d.staged.Store(int64((len(d.buffer) - pos) / d.channels))
	} else {
		d.staged.Store(int64(pos / d.channels))
	}
}

func (d *portAudioDevice) Transfer(buf []int16) (int, error) {
	if d.closed.Load() {
		return 0, &DeviceError{Device: d.name, Op: "transfer", Err: ErrNotOpen}
	}
	want := len(buf) / d.channels
	samples := buf[:want*d.channels]

	for len(samples) > 0 {
		if d.dir == Capture {
			if d.pos == len(d.buffer) || d.staged.Load() == 0 {
				if err := d.stream.Read(); err != nil {
					if !errors.Is(err, portaudio.InputOverflowed) {
						return want - len(samples)/d.channels, &DeviceError{Device: d.name, Op: "read", Err: err}
					}
					d.log.Debug("PortAudio input overflowed")
				}
				d.setPos(0)
			}
			n := copy(samples, d.buffer[d.pos:])
			d.setPos(d.pos + n)
			samples = samples[n:]
			continue
		}

		n := copy(d.buffer[d.pos:], samples)
		d.setPos(d.pos + n)
		samples = samples[n:]
		if d.pos == len(d.buffer) {
			if err := d.flush(); err != nil {
				return want - len(samples)/d.channels, err
			}
		}
	}
	return want, nil
}

// flush writes the staged playback period
func (d *portAudioDevice) flush() error {
	if err := d.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
		return &DeviceError{Device: d.name, Op: "write", Err: err}
	}
	d.setPos(0)
	return nil
}

func (d *portAudioDevice) WaitReady(timeout time.Duration) (bool, error) {
	interval := time.Duration(float64(d.period) / float64(d.rate) * float64(time.Second) / 4)
	interval = max(interval, time.Millisecond)
	deadline := time.Now().Add(timeout)

	for {
		if d.closed.Load() {
			return false, &DeviceError{Device: d.name, Op: "wait", Err: ErrNotOpen}
		}

		var avail int
		var err error
		if d.dir == Capture {
			if d.staged.Load() > 0 {
				return true, nil
			}
			avail, err = d.stream.AvailableToRead()
		} else {
			avail, err = d.stream.AvailableToWrite()
		}
		if err != nil {
			return false, &DeviceError{Device: d.name, Op: "wait", Err: err}
		}
		if avail >= d.period {
			return true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		time.Sleep(min(interval, remaining))
	}
}

func (d *portAudioDevice) Pending() (int, error) {
	if d.closed.Load() {
		return 0, &DeviceError{Device: d.name, Op: "pending", Err: ErrNotOpen}
	}
	avail, err := d.stream.AvailableToRead()
	if err != nil {
		return 0, &DeviceError{Device: d.name, Op: "pending", Err: err}
	}
	return avail + int(d.staged.Load()), nil
}

func (d *portAudioDevice) Latency() (int, error) {
	if d.closed.Load() {
		return 0, &DeviceError{Device: d.name, Op: "latency", Err: ErrNotOpen}
	}
	frames := int(d.staged.Load())
	if info := d.stream.Info(); info != nil {
		frames += int(info.OutputLatency.Seconds() * float64(d.rate))
	}
	return frames, nil
}

// Avail counts what the stream accepts plus the room left in the staged
// period for playback, and the frames Pending reports for capture
func (d *portAudioDevice) Avail() (int, error) {
	if d.dir == Capture {
		return d.Pending()
	}
	if d.closed.Load() {
		return 0, &DeviceError{Device: d.name, Op: "avail", Err: ErrNotOpen}
	}
	avail, err := d.stream.AvailableToWrite()
	if err != nil {
		return 0, &DeviceError{Device: d.name, Op: "avail", Err: err}
	}
	return avail + d.period - int(d.staged.Load()), nil
}

// Drop aborts the stream, discarding queued audio, and restarts it
func (d *portAudioDevice) Drop() error {
	if d.closed.Load() {
		return &DeviceError{Device: d.name, Op: "drop", Err: ErrNotOpen}
	}
	if err := d.stream.Abort(); err != nil {
		return &DeviceError{Device: d.name, Op: "drop", Err: err}
	}
	if d.dir == Capture {
		d.setPos(len(d.buffer))
	} else {
		d.setPos(0)
	}
	return NewDeviceError(d.name, "start", d.stream.Start())
}

// Drain pads the staged period with silence, then stops the stream, which
// returns once every buffer has been played, and restarts it.
func (d *portAudioDevice) Drain() error {
	if d.closed.Load() {
		return &DeviceError{Device: d.name, Op: "drain", Err: ErrNotOpen}
	}
	if d.dir != Playback {
		return &DeviceError{Device: d.name, Op: "drain", Err: ErrWrongDirection}
	}
	if d.pos > 0 {
		clear(d.buffer[d.pos:])
		if err := d.flush(); err != nil {
			return err
		}
	}
	if err := d.stream.Stop(); err != nil {
		return &DeviceError{Device: d.name, Op: "drain", Err: err}
	}
	return NewDeviceError(d.name, "start", d.stream.Start())
}

func (d *portAudioDevice) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	if err := d.stream.Stop(); err != nil {
		d.log.WithError(err).Debug("Stopping PortAudio stream before close failed")
	}
	return NewDeviceError(d.name, "close", d.stream.Close())
}
