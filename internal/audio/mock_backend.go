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
	"sync"
	"time"
)

// MockBackend implements Backend for testing without hardware dependencies
type MockBackend struct {
	mu                 sync.Mutex
	devices            []*MockDevice
	openError          error
	autoFeed           bool
	simulateRealTiming bool
	closed             bool
}

// NewMockBackend creates a new mock backend. Capture devices it opens
// produce frames on demand, like a microphone that always has data.
func NewMockBackend() *MockBackend {
	return &MockBackend{autoFeed: true}
}

// SetOpenError configures the backend to return an error on Open()
func (m *MockBackend) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openError = err
}

// SetAutoFeed controls whether new capture devices produce frames on demand
func (m *MockBackend) SetAutoFeed(auto bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoFeed = auto
}

// SetSimulateRealTiming controls whether new devices sleep for the duration of each transfer
func (m *MockBackend) SetSimulateRealTiming(simulate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simulateRealTiming = simulate
}

// Open opens a mock device
func (m *MockBackend) Open(dir Direction, p Params) (Device, error) {
	return m.OpenMock(dir, p)
}

// OpenMock is Open returning the concrete type so tests can script it
func (m *MockBackend) OpenMock(dir Direction, p Params) (*MockDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("mock backend closed")
	}
	if m.openError != nil {
		return nil, &DeviceError{Device: p.Name, Op: "open", Err: m.openError}
	}
	if err := p.Validate(); err != nil {
		return nil, &DeviceError{Device: p.Name, Op: "open", Err: err}
	}

	dev := NewMockDevice(dir, p)
	dev.autoFeed = m.autoFeed
	dev.simulateRealTiming = m.simulateRealTiming
	m.devices = append(m.devices, dev)
	return dev, nil
}

// Opened returns every device opened so far
func (m *MockBackend) Opened() []*MockDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*MockDevice, len(m.devices))
	copy(result, m.devices)
	return result
}

// Devices lists the single mock device name
func (m *MockBackend) Devices() ([]string, error) {
	return []string{"mock"}, nil
}

// Close closes every device still open
func (m *MockBackend) Close() error {
	m.mu.Lock()
	devices := m.devices
	m.closed = true
	m.mu.Unlock()

	for _, dev := range devices {
		_ = dev.Close() // Ignore errors during cleanup
	}
	return nil
}

// MockSample is the sample a mock capture device produces for the given
// frame and channel. Tests use it to rebuild the expected stream.
func MockSample(frame int64, channel, channels int) int16 {
	return int16(frame*int64(channels) + int64(channel))
}

// MockFrames returns n consecutive mock frames starting at first
func MockFrames(first int64, n, channels int) []int16 {
	out := make([]int16, n*channels)
	for i := 0; i < n; i++ {
		for c := 0; c < channels; c++ {
			out[i*channels+c] = MockSample(first+int64(i), c, channels)
		}
	}
	return out
}

// MockDevice implements Device for testing. Capture devices hand out
// MockFrames in order; playback devices record everything written.
type MockDevice struct {
	mu       sync.Mutex
	name     string
	dir      Direction
	rate     int
	channels int
	period   int
	periods  int
	open     bool
	notify   chan struct{}

	// capture
	autoFeed  bool
	available int
	produced  int64

	// playback
	played  []int16
	paused  bool
	latency int

	simulateRealTiming bool
	transfers          []int
	transferError      error
	failAfter          int
	waitError          error
	drops              int
	drains             int
	closes             int
}

// NewMockDevice creates an open mock device. Capture devices start empty;
// use Feed or SetAutoFeed to make frames arrive.
func NewMockDevice(dir Direction, p Params) *MockDevice {
	name := p.Name
	if name == "" {
		name = "mock"
	}
	return &MockDevice{
		name:     name,
		dir:      dir,
		rate:     p.Rate,
		channels: p.Channels,
		period:   p.PeriodFrames,
		periods:  p.Periods,
		open:     true,
		notify:   make(chan struct{}),
	}
}

// wake releases everyone blocked on the device. Caller holds m.mu.
func (m *MockDevice) wake() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// Feed makes n more captured frames available
func (m *MockDevice) Feed(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available += n
	m.wake()
}

// SetAutoFeed makes capture frames available on demand
func (m *MockDevice) SetAutoFeed(auto bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoFeed = auto
	m.wake()
}

// SetPaused stops a playback device from reporting readiness
func (m *MockDevice) SetPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
	m.wake()
}

// SetLatency sets the frames Latency() reports
func (m *MockDevice) SetLatency(frames int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = frames
}

// SetTransferError configures every later Transfer() to fail with err
func (m *MockDevice) SetTransferError(err error) {
	m.FailTransferAfter(0, err)
}

// FailTransferAfter lets n more transfers succeed, then fails with err
func (m *MockDevice) FailTransferAfter(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transferError = err
	m.failAfter = n
	m.wake()
}

// SetWaitError configures WaitReady() to fail with err
func (m *MockDevice) SetWaitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waitError = err
	m.wake()
}

func (m *MockDevice) Name() string         { return m.name }
func (m *MockDevice) Direction() Direction { return m.dir }
func (m *MockDevice) Rate() int            { return m.rate }
func (m *MockDevice) Channels() int        { return m.channels }
func (m *MockDevice) PeriodFrames() int    { return m.period }

// Transfer moves frames like a blocking PCM read or write
func (m *MockDevice) Transfer(buf []int16) (int, error) {
	if len(buf)%m.channels != 0 {
		return 0, &DeviceError{Device: m.name, Op: "transfer", Err: fmt.Errorf("buffer of %d samples is not a whole number of %d-channel frames", len(buf), m.channels)}
	}
	frames := len(buf) / m.channels

	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return 0, &DeviceError{Device: m.name, Op: "transfer", Err: ErrNotOpen}
	}
	m.transfers = append(m.transfers, frames)
	if m.transferError != nil {
		if m.failAfter <= 0 {
			err := m.transferError
			m.mu.Unlock()
			return 0, &DeviceError{Device: m.name, Op: "transfer", Err: err}
		}
		m.failAfter--
	}

	if m.dir == Capture {
		for !m.autoFeed && m.available < frames {
			ch := m.notify
			m.mu.Unlock()
			<-ch
			m.mu.Lock()
			if !m.open {
				m.mu.Unlock()
				return 0, &DeviceError{Device: m.name, Op: "read", Err: ErrNotOpen}
			}
		}
		if !m.autoFeed {
			m.available -= frames
		}
		copy(buf, MockFrames(m.produced, frames, m.channels))
		m.produced += int64(frames)
	} else {
		m.played = append(m.played, buf...)
	}
	simulate := m.simulateRealTiming
	m.mu.Unlock()

	// Simulate real timing if enabled
	if simulate && m.rate > 0 {
		time.Sleep(time.Duration(float64(frames) / float64(m.rate) * float64(time.Second)))
	}
	return frames, nil
}

// ready reports whether a period can move without blocking. Caller holds m.mu.
func (m *MockDevice) ready() bool {
	if m.dir == Capture {
		return m.autoFeed || m.available >= m.period
	}
	return !m.paused
}

// WaitReady waits until a period can be transferred or the timeout expires
func (m *MockDevice) WaitReady(timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if !m.open {
			m.mu.Unlock()
			return false, &DeviceError{Device: m.name, Op: "wait", Err: ErrNotOpen}
		}
		if m.waitError != nil {
			err := m.waitError
			m.mu.Unlock()
			return false, &DeviceError{Device: m.name, Op: "wait", Err: err}
		}
		if m.ready() {
			m.mu.Unlock()
			return true, nil
		}
		ch := m.notify
		m.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return false, nil
		}
	}
}

// Pending reports fed frames that have not been read yet
func (m *MockDevice) Pending() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return 0, &DeviceError{Device: m.name, Op: "pending", Err: ErrNotOpen}
	}
	return m.available, nil
}

// Latency reports the configured output latency
func (m *MockDevice) Latency() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return 0, &DeviceError{Device: m.name, Op: "latency", Err: ErrNotOpen}
	}
	return m.latency, nil
}

// Avail reports fed frames for capture. For playback the device buffer
// holds Periods periods of which Latency() frames are in use, and a paused
// device accepts nothing.
func (m *MockDevice) Avail() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return 0, &DeviceError{Device: m.name, Op: "avail", Err: ErrNotOpen}
	}
	if m.dir == Capture {
		return m.available, nil
	}
	if m.paused {
		return 0, nil
	}
	return max(m.period*m.periods-m.latency, 0), nil
}

// Drop discards pending capture frames
func (m *MockDevice) Drop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return &DeviceError{Device: m.name, Op: "drop", Err: ErrNotOpen}
	}
	m.drops++
	m.available = 0
	m.wake()
	return nil
}

// Drain counts drain requests on a playback device
func (m *MockDevice) Drain() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return &DeviceError{Device: m.name, Op: "drain", Err: ErrNotOpen}
	}
	if m.dir != Playback {
		return &DeviceError{Device: m.name, Op: "drain", Err: ErrWrongDirection}
	}
	m.drains++
	return nil
}

// Close closes the mock device
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return nil // Already closed
	}
	m.open = false
	m.closes++
	m.wake()
	return nil
}

// Played returns every sample written to a playback device
func (m *MockDevice) Played() []int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]int16, len(m.played))
	copy(result, m.played)
	return result
}

// PlayedFrames returns the number of frames written to a playback device
func (m *MockDevice) PlayedFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.played) / m.channels
}

// Transfers returns the frame count of every Transfer() call
func (m *MockDevice) Transfers() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]int, len(m.transfers))
	copy(result, m.transfers)
	return result
}

// Produced returns how many frames a capture device has handed out
func (m *MockDevice) Produced() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.produced
}

// Drops returns the number of Drop() calls
func (m *MockDevice) Drops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops
}

// Drains returns the number of Drain() calls
func (m *MockDevice) Drains() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drains
}

// Closes returns the number of effective Close() calls
func (m *MockDevice) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// IsOpen returns true until Close()
func (m *MockDevice) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}
