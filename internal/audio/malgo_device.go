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
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/loqalabs/loqa-pcm-go/internal/logging"
)

// malgoDevice turns miniaudio data callbacks into blocking transfers
// through a byte FIFO
type malgoDevice struct {
	stop     func()
	name     string
	dir      Direction
	rate     int
	channels int
	period   int
	log      *logrus.Entry

	mu     sync.Mutex
	fifo   *ringbuffer.RingBuffer
	notify chan struct{}
	closed atomic.Bool

	xruns atomic.Int64
}

// newMalgoDevice creates the device state with a FIFO holding twice the
// configured device buffer.
func newMalgoDevice(name string, dir Direction, rate, channels, period, periods int) *malgoDevice {
	return &malgoDevice{
		name:     name,
		dir:      dir,
		rate:     rate,
		channels: channels,
		period:   period,
		log:      logging.For("malgo"),
		fifo:     ringbuffer.New(2 * periods * period * frameBytes(channels)),
		notify:   make(chan struct{}),
	}
}

func (d *malgoDevice) Name() string         { return d.name }
func (d *malgoDevice) Direction() Direction { return d.dir }
func (d *malgoDevice) Rate() int            { return d.rate }
func (d *malgoDevice) Channels() int        { return d.channels }
func (d *malgoDevice) PeriodFrames() int    { return d.period }

// wake releases waiters. Caller holds d.mu.
func (d *malgoDevice) wake() {
	close(d.notify)
	d.notify = make(chan struct{})
}

// onData is the miniaudio data callback
func (d *malgoDevice) onData(output, input []byte, _ uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dir == Capture {
		// a callback that does not fit is dropped whole to keep frames aligned
		if d.fifo.Free() < len(input) {
			d.xruns.Add(1)
		} else if _, err := d.fifo.Write(input); errors.Is(err, ringbuffer.ErrIsFull) {
			d.xruns.Add(1)
		}
	} else {
		n := min(d.fifo.Length(), len(output))
		n -= n % frameBytes(d.channels)
		if n > 0 {
			_, _ = d.fifo.Read(output[:n])
		}
		if n < len(output) {
			clear(output[n:])
			d.xruns.Add(1)
		}
	}
	d.wake()
}

// waitLocked blocks until cond holds or the device closes. Caller holds d.mu.
func (d *malgoDevice) waitLocked(op string, cond func() bool) error {
	for !cond() {
		if d.closed.Load() {
			return &DeviceError{Device: d.name, Op: op, Err: ErrNotOpen}
		}
		ch := d.notify
		d.mu.Unlock()
		<-ch
		d.mu.Lock()
	}
	return nil
}

func (d *malgoDevice) Transfer(buf []int16) (int, error) {
	if d.closed.Load() {
		return 0, &DeviceError{Device: d.name, Op: "transfer", Err: ErrNotOpen}
	}
	fb := frameBytes(d.channels)
	want := len(buf) / d.channels
	raw := make([]byte, want*fb)

	d.mu.Lock()
	defer d.mu.Unlock()

	done := 0
	if d.dir == Capture {
		for done < len(raw) {
			if err := d.waitLocked("read", func() bool { return d.fifo.Length() >= fb }); err != nil {
				return done / fb, err
			}
			n := min(d.fifo.Length(), len(raw)-done)
			n -= n % fb
			if _, err := d.fifo.Read(raw[done : done+n]); err != nil {
				return done / fb, &DeviceError{Device: d.name, Op: "read", Err: err}
			}
			done += n
		}
		for i := range want * d.channels {
			buf[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
		}
		return want, nil
	}

	for i := range want * d.channels {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(buf[i]))
	}
	for done < len(raw) {
		if err := d.waitLocked("write", func() bool { return d.fifo.Free() >= fb }); err != nil {
			return done / fb, err
		}
		n := min(d.fifo.Free(), len(raw)-done)
		n -= n % fb
		if _, err := d.fifo.Write(raw[done : done+n]); err != nil {
			return done / fb, &DeviceError{Device: d.name, Op: "write", Err: err}
		}
		done += n
	}
	return want, nil
}

// ready reports whether a period can move without blocking. Caller holds d.mu.
func (d *malgoDevice) ready() bool {
	need := d.period * frameBytes(d.channels)
	if d.dir == Capture {
		return d.fifo.Length() >= need
	}
	return d.fifo.Free() >= need
}

func (d *malgoDevice) WaitReady(timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if d.closed.Load() {
			return false, &DeviceError{Device: d.name, Op: "wait", Err: ErrNotOpen}
		}
		d.mu.Lock()
		if d.ready() {
			d.mu.Unlock()
			return true, nil
		}
		ch := d.notify
		d.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return false, nil
		}
	}
}

// queued returns the frames in the FIFO
func (d *malgoDevice) queued(op string) (int, error) {
	if d.closed.Load() {
		return 0, &DeviceError{Device: d.name, Op: op, Err: ErrNotOpen}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fifo.Length() / frameBytes(d.channels), nil
}

func (d *malgoDevice) Pending() (int, error) {
	return d.queued("pending")
}

// Latency counts the FIFO plus one period held by the device
func (d *malgoDevice) Latency() (int, error) {
	n, err := d.queued("latency")
	if err != nil {
		return 0, err
	}
	return n + d.period, nil
}

// Avail is the FIFO free space for playback and its contents for capture
func (d *malgoDevice) Avail() (int, error) {
	if d.closed.Load() {
		return 0, &DeviceError{Device: d.name, Op: "avail", Err: ErrNotOpen}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dir == Capture {
		return d.fifo.Length() / frameBytes(d.channels), nil
	}
	return d.fifo.Free() / frameBytes(d.channels), nil
}

func (d *malgoDevice) Drop() error {
	if d.closed.Load() {
		return &DeviceError{Device: d.name, Op: "drop", Err: ErrNotOpen}
	}
	d.mu.Lock()
	d.fifo.Reset()
	d.wake()
	d.mu.Unlock()
	return nil
}

// Drain waits for the callbacks to empty the FIFO, then for the period the
// device holds.
func (d *malgoDevice) Drain() error {
	if d.closed.Load() {
		return &DeviceError{Device: d.name, Op: "drain", Err: ErrNotOpen}
	}
	if d.dir != Playback {
		return &DeviceError{Device: d.name, Op: "drain", Err: ErrWrongDirection}
	}
	d.mu.Lock()
	err := d.waitLocked("drain", func() bool { return d.fifo.IsEmpty() })
	d.mu.Unlock()
	if err != nil {
		return err
	}
	time.Sleep(time.Duration(float64(d.period) / float64(d.rate) * float64(time.Second)))
	return nil
}

func (d *malgoDevice) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	if d.stop != nil {
		d.stop()
	}
	d.mu.Lock()
	d.wake()
	d.mu.Unlock()

	if n := d.xruns.Load(); n > 0 {
		d.log.WithField("xruns", n).Debug("Closed miniaudio device")
	}
	return nil
}
