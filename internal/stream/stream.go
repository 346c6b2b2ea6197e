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

// Package stream buffers PCM audio between an application and a device.
//
// A Capture or Playback stream owns one audio.Device, one growable
// ringbuf.Ring and at most one worker goroutine that moves period-sized
// chunks between the two. The ring and the worker are created lazily by
// the first application call and torn down when the stream is reset,
// dropped, drained to empty or closed. One mutex guards all of it.
package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loqalabs/loqa-pcm-go/internal/audio"
	"github.com/loqalabs/loqa-pcm-go/internal/logging"
	"github.com/loqalabs/loqa-pcm-go/internal/metrics"
	"github.com/loqalabs/loqa-pcm-go/internal/ringbuf"
)

// DefaultWaitTimeout bounds each device readiness wait in the worker
const DefaultWaitTimeout = time.Second

// State is the lifecycle state of a stream's buffer and worker
type State int

const (
	// Absent: no buffer and no running worker
	Absent State = iota
	// Active: buffer allocated, worker running
	Active
	// Draining: buffer released, worker not yet exited
	Draining
	// Faulted: playback worker failed, writes are refused until Close
	Faulted
	// Closed: the device has been released
	Closed
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Faulted:
		return "faulted"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type options struct {
	waitTimeout time.Duration
	log         *logrus.Entry
	metrics     *metrics.Metrics
}

// Option configures a stream
type Option func(*options)

// WithWaitTimeout sets how long the worker waits for the device before
// re-checking whether the stream was torn down.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.waitTimeout = d
		}
	}
}

// WithLogger sets the log entry used by the stream
func WithLogger(entry *logrus.Entry) Option {
	return func(o *options) {
		o.log = entry
	}
}

// WithMetrics records stream activity in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// worker is the join handle of one worker goroutine
type worker struct {
	done chan struct{}
}

func (w *worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
	}
	return false
}

// core is the state shared by Capture and Playback
type core struct {
	mu sync.Mutex

	dev      audio.Device
	name     string
	rate     int
	channels int
	period   int

	ring   *ringbuf.Ring
	w      *worker
	closed bool

	// fault is the error that stopped the last worker. Playback faults are
	// sticky and refuse writes; capture faults are cleared on reactivation.
	fault  error
	sticky bool

	waitTimeout time.Duration
	log         *logrus.Entry
	stats       *metrics.Stream
}

func (c *core) init(dev audio.Device, sticky bool, opts []Option) error {
	o := options{waitTimeout: DefaultWaitTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		m, err := metrics.New(nil)
		if err != nil {
			return err
		}
		o.metrics = m
	}
	if o.log == nil {
		o.log = logging.For("stream")
	}

	c.dev = dev
	c.name = dev.Name()
	c.rate = dev.Rate()
	c.channels = dev.Channels()
	c.period = dev.PeriodFrames()
	c.sticky = sticky
	c.waitTimeout = o.waitTimeout
	c.log = o.log.WithFields(logrus.Fields{
		"device":    c.name,
		"direction": dev.Direction().String(),
	})
	c.stats = o.metrics.ForStream(c.name, dev.Direction().String())
	return nil
}

// activateLocked makes sure a ring exists, starting a worker for it with
// run. A previous worker is joined first, with the lock released since the
// worker needs it to notice teardown. Caller holds c.mu; it is held again
// on return.
func (c *core) activateLocked(op string, capacity int, run func(ring *ringbuf.Ring, dev audio.Device)) error {
	for c.ring == nil {
		if c.closed {
			return notOpen(c.name, op)
		}
		if w := c.w; w != nil {
			if !w.exited() {
				c.mu.Unlock()
				<-w.done
				c.mu.Lock()
			}
			if c.w == w {
				c.w = nil
			}
			continue
		}

		ring := ringbuf.New(c.channels, capacity)
		w := &worker{done: make(chan struct{})}
		c.ring = ring
		c.w = w
		if !c.sticky {
			c.fault = nil
		}
		c.stats.Allocated(ring.Cap())
		c.stats.WorkerStarted()
		c.log.WithField("capacity", ring.Cap()).Debug("Starting stream worker")

		dev := c.dev
		go func() {
			defer close(w.done)
			run(ring, dev)
		}()
	}
	return nil
}

// releaseLocked drops the ring. A worker still running exits on its next
// iteration. Caller holds c.mu.
func (c *core) releaseLocked() {
	if c.ring == nil {
		return
	}
	c.ring = nil
	c.stats.Released()
}

// faultLocked records a fatal worker error. Caller holds c.mu.
func (c *core) faultLocked(err error) {
	c.fault = err
	c.stats.WorkerFaulted()
	c.log.WithError(err).Warn("Stream worker stopped on device error")
	if !c.sticky {
		c.releaseLocked()
	}
}

// grownLocked records a ring resize. Caller holds c.mu.
func (c *core) grownLocked(ring *ringbuf.Ring) {
	c.stats.Resized(ring.Cap())
	c.log.WithField("capacity", ring.Cap()).Debug("Grew stream buffer")
}

// join waits for the current worker, if any, without holding the lock
func (c *core) join() {
	c.mu.Lock()
	w := c.w
	c.mu.Unlock()
	if w == nil {
		return
	}
	<-w.done

	c.mu.Lock()
	if c.w == w {
		c.w = nil
	}
	c.mu.Unlock()
}

func (c *core) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.releaseLocked()
	w := c.w
	c.w = nil
	dev := c.dev
	c.mu.Unlock()

	if w != nil {
		<-w.done
	}
	err := dev.Close()

	c.mu.Lock()
	c.dev = nil
	c.mu.Unlock()

	c.log.Debug("Stream closed")
	return audio.NewDeviceError(c.name, "close", err)
}

// Name returns the device name
func (c *core) Name() string {
	return c.name
}

// Rate returns the negotiated sample rate
func (c *core) Rate() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, notOpen(c.name, "rate")
	}
	return c.rate, nil
}

// Channels returns the number of samples per frame
func (c *core) Channels() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, notOpen(c.name, "channels")
	}
	return c.channels, nil
}

// PeriodFrames returns the device period size in frames
func (c *core) PeriodFrames() int {
	return c.period
}

// State reports the lifecycle state
func (c *core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return Closed
	case c.sticky && c.fault != nil:
		return Faulted
	case c.ring != nil:
		return Active
	case c.w != nil && !c.w.exited():
		return Draining
	default:
		return Absent
	}
}

// Fault returns the error that stopped the last worker, or nil
func (c *core) Fault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

// Buffered returns the frames held in the ring
func (c *core) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ring == nil {
		return 0
	}
	return c.ring.Len()
}

// Capacity returns the ring capacity in frames, 0 when no ring exists
func (c *core) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ring == nil {
		return 0
	}
	return c.ring.Cap()
}
