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

// Capture buffers frames recorded by a device until the application reads them
type Capture struct {
	core
}

// OpenCapture opens a capture device on b and wraps it in a stream
func OpenCapture(b audio.Backend, p audio.Params, opts ...Option) (*Capture, error) {
	dev, err := b.Open(audio.Capture, p)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture stream: %w", err)
	}
	c, err := NewCapture(dev, opts...)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return c, nil
}

// NewCapture wraps an open capture device. The stream owns dev from now on.
func NewCapture(dev audio.Device, opts ...Option) (*Capture, error) {
	if dev.Direction() != audio.Capture {
		return nil, &audio.DeviceError{Device: dev.Name(), Op: "open capture stream", Err: audio.ErrWrongDirection}
	}
	c := &Capture{}
	if err := c.init(dev, false, opts); err != nil {
		return nil, err
	}
	return c, nil
}

// Read returns exactly frames frames. Buffered frames are returned first;
// the shortfall is read straight from the device while the stream is
// locked, so the worker never consumes the same device data.
func (c *Capture) Read(frames int) ([]int16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, notOpen(c.name, "read")
	}
	if frames < 0 {
		return nil, fmt.Errorf("%w: cannot read %d frames", ErrFrameShape, frames)
	}
	if err := c.activateLocked("read", ringbuf.Fit(c.period, c.rate), c.run); err != nil {
		return nil, err
	}

	buf := make([]int16, frames*c.channels)
	n := c.ring.Read(buf)
	if n < frames {
		want := frames - n
		got, err := c.dev.Transfer(buf[n*c.channels:])
		if err != nil {
			return nil, audio.NewDeviceError(c.name, "read", err)
		}
		if got != want {
			return nil, audio.ShortTransfer(c.name, "read", got, want)
		}
		c.stats.DirectFrames(got)
	}
	c.stats.ApplicationFrames(frames)
	c.stats.Buffered(c.ring.Len())
	return buf, nil
}

// Available returns the frames that can be read without blocking: those
// pending at the device plus those already buffered.
func (c *Capture) Available() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, notOpen(c.name, "available")
	}
	pending, err := c.dev.Pending()
	if err != nil {
		return 0, audio.NewDeviceError(c.name, "available", err)
	}
	if c.ring != nil {
		pending += c.ring.Len()
	}
	return pending, nil
}

// Reset discards buffered and pending frames. The next Read starts afresh.
func (c *Capture) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return notOpen(c.name, "reset")
	}
	c.releaseLocked()
	return audio.NewDeviceError(c.name, "drop", c.dev.Drop())
}

// Close stops the worker and releases the device. Closing twice is a no-op.
func (c *Capture) Close() error {
	return c.close()
}

// run is the capture worker. It moves at most one period per iteration
// from the device into ring and exits once ring is no longer current.
func (c *Capture) run(ring *ringbuf.Ring, dev audio.Device) {
	for {
		ready, err := dev.WaitReady(c.waitTimeout)

		c.mu.Lock()
		if c.ring != ring {
			c.mu.Unlock()
			c.log.Debug("Capture worker exiting")
			return
		}
		if err == nil && ready {
			err = c.stepLocked(ring, dev)
		}
		if err != nil {
			c.faultLocked(audio.NewDeviceError(c.name, "capture", err))
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}

// stepLocked transfers into the first contiguous free run of ring. Data
// that would wrap is left for the next iteration. Caller holds c.mu.
func (c *Capture) stepLocked(ring *ringbuf.Ring, dev audio.Device) error {
	if ring.Reserve(c.period) {
		c.grownLocked(ring)
	}
	tail := ring.Tail(c.period)

	pending, err := dev.Pending()
	if err != nil {
		return err
	}
	want := min(len(tail)/c.channels, pending)
	if want <= 0 {
		return nil
	}

	got, err := dev.Transfer(tail[:want*c.channels])
	if err != nil {
		return err
	}
	if got != want {
		return audio.ShortTransfer(c.name, "capture", got, want)
	}
	ring.Commit(got)
	c.stats.WorkerFrames(got)
	c.stats.Buffered(ring.Len())
	return nil
}
