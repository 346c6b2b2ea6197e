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

package stream

import (
	"fmt"

	"github.com/loqalabs/loqa-pcm-go/internal/audio"
	"github.com/loqalabs/loqa-pcm-go/internal/ringbuf"
)

// Playback queues frames written by the application and feeds them to a device
type Playback struct {
	core
}

// OpenPlayback opens a playback device on b and wraps it in a stream
func OpenPlayback(b audio.Backend, p audio.Params, opts ...Option) (*Playback, error) {
	dev, err := b.Open(audio.Playback, p)
	if err != nil {
		return nil, fmt.Errorf("failed to open playback stream: %w", err)
	}
	s, err := NewPlayback(dev, opts...)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return s, nil
}

// NewPlayback wraps an open playback device. The stream owns dev from now on.
func NewPlayback(dev audio.Device, opts ...Option) (*Playback, error) {
	if dev.Direction() != audio.Playback {
		return nil, &audio.DeviceError{Device: dev.Name(), Op: "open playback stream", Err: audio.ErrWrongDirection}
	}
	s := &Playback{}
	if err := s.init(dev, true, opts); err != nil {
		return nil, err
	}
	return s, nil
}

// Write queues interleaved samples for playback. It never waits for the
// device; the buffer grows as needed.
func (s *Playback) Write(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return notOpen(s.name, "write")
	}
	if len(samples)%s.channels != 0 {
		return fmt.Errorf("%w: %d samples for %d channels", ErrFrameShape, len(samples), s.channels)
	}
	if s.fault != nil {
		return fmt.Errorf("%w: %w", ErrFaulted, s.fault)
	}
	n := len(samples) / s.channels
	if n == 0 {
		return nil
	}
	if err := s.activateLocked("write", ringbuf.Fit(s.period, n), s.run); err != nil {
		return err
	}

	if s.ring.Reserve(n) {
		s.grownLocked(s.ring)
	}
	s.ring.Write(samples)
	s.stats.ApplicationFrames(n)
	s.stats.Buffered(s.ring.Len())
	return nil
}

// Delay returns the frames not yet audible: queued at the device plus buffered
func (s *Playback) Delay() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, notOpen(s.name, "delay")
	}
	latency, err := s.dev.Latency()
	if err != nil {
		return 0, audio.NewDeviceError(s.name, "delay", err)
	}
	if s.ring != nil {
		latency += s.ring.Len()
	}
	return latency, nil
}

// Avail returns how many more frames the device buffer takes once the
// frames still queued in the stream have been handed over. Write does not
// wait for this space.
func (s *Playback) Avail() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, notOpen(s.name, "avail")
	}
	avail, err := s.dev.Avail()
	if err != nil {
		return 0, audio.NewDeviceError(s.name, "avail", err)
	}
	if s.ring != nil {
		avail -= s.ring.Len()
	}
	return max(avail, 0), nil
}

// Drop discards buffered frames and stops the device immediately. The
// device is prepared again, so the next Write plays without further setup.
func (s *Playback) Drop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return notOpen(s.name, "drop")
	}
	s.releaseLocked()
	return audio.NewDeviceError(s.name, "drop", s.dev.Drop())
}

// Drain waits until every written frame has been handed to the device and
// then until the device has played it.
func (s *Playback) Drain() error {
	s.join()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return notOpen(s.name, "drain")
	}
	if s.fault != nil {
		return fmt.Errorf("%w: %w", ErrFaulted, s.fault)
	}
	return audio.NewDeviceError(s.name, "drain", s.dev.Drain())
}

// Close discards buffered frames, stops the worker and releases the
// device. Closing twice is a no-op.
func (s *Playback) Close() error {
	return s.close()
}

// run is the playback worker. It sends at most one period per iteration
// and exits when ring runs empty, is torn down, or the device fails.
func (s *Playback) run(ring *ringbuf.Ring, dev audio.Device) {
	for {
		ready, err := dev.WaitReady(s.waitTimeout)

		s.mu.Lock()
		if s.ring != ring {
			s.mu.Unlock()
			s.log.Debug("Playback worker exiting")
			return
		}
		if ring.Len() == 0 {
			s.releaseLocked()
			s.mu.Unlock()
			s.log.Debug("Playback buffer empty, worker exiting")
			return
		}
		if err == nil && ready {
			err = s.stepLocked(ring, dev)
		}
		if err != nil {
			s.faultLocked(audio.NewDeviceError(s.name, "playback", err))
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// stepLocked sends up to one period from the head of ring, one device
// transfer per contiguous segment. Caller holds s.mu.
func (s *Playback) stepLocked(ring *ringbuf.Ring, dev audio.Device) error {
	n := min(s.period, ring.Len())
	first, second := ring.Peek(n)
	for _, seg := range [][]int16{first, second} {
		if len(seg) == 0 {
			continue
		}
		want := len(seg) / s.channels
		got, err := dev.Transfer(seg)
		if err != nil {
			return err
		}
		if got != want {
			return audio.ShortTransfer(s.name, "playback", got, want)
		}
	}
	ring.Discard(n)
	s.stats.WorkerFrames(n)
	s.stats.Buffered(ring.Len())
	return nil
}
