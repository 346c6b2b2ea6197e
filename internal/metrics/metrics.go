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

// Package metrics exposes Prometheus collectors for PCM streams.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pcmstream"

// Metrics groups the collectors shared by every stream of a process
type Metrics struct {
	FramesTransferred *prometheus.CounterVec
	BufferResizes     *prometheus.CounterVec
	BufferCapacity    *prometheus.GaugeVec
	BufferedFrames    *prometheus.GaugeVec
	WorkerStarts      *prometheus.CounterVec
	WorkerFaults      *prometheus.CounterVec
	RelayFrames       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests and library users without a
// metrics endpoint want.
func New(reg prometheus.Registerer) (*Metrics, error) {
	streamLabels := []string{"device", "direction"}

	m := &Metrics{
		FramesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_transferred_total",
			Help:      "Frames moved between stream buffers and devices.",
		}, []string{"device", "direction", "path"}),
		BufferResizes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_resizes_total",
			Help:      "Ring buffer reallocations.",
		}, streamLabels),
		BufferCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_capacity_frames",
			Help:      "Current ring buffer capacity in frames, 0 when absent.",
		}, streamLabels),
		BufferedFrames: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_frames",
			Help:      "Live frames held in the ring buffer.",
		}, streamLabels),
		WorkerStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_starts_total",
			Help:      "Background worker launches.",
		}, streamLabels),
		WorkerFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_faults_total",
			Help:      "Background workers stopped by an unrecoverable device error.",
		}, streamLabels),
		RelayFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_total",
			Help:      "PCM frames relayed over NATS, by subject and outcome.",
		}, []string{"subject", "outcome"}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	if m.FramesTransferred, err = register(reg, m.FramesTransferred); err != nil {
		return nil, err
	}
	if m.BufferResizes, err = register(reg, m.BufferResizes); err != nil {
		return nil, err
	}
	if m.BufferCapacity, err = register(reg, m.BufferCapacity); err != nil {
		return nil, err
	}
	if m.BufferedFrames, err = register(reg, m.BufferedFrames); err != nil {
		return nil, err
	}
	if m.WorkerStarts, err = register(reg, m.WorkerStarts); err != nil {
		return nil, err
	}
	if m.WorkerFaults, err = register(reg, m.WorkerFaults); err != nil {
		return nil, err
	}
	if m.RelayFrames, err = register(reg, m.RelayFrames); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing the collector already registered under
// the same descriptor so several Metrics can share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("failed to register stream metrics: %w", err)
	}
	return c, nil
}

// Stream is the set of observers for one stream, with labels already bound
type Stream struct {
	workerFrames prometheus.Counter
	directFrames prometheus.Counter
	appFrames    prometheus.Counter
	resizes      prometheus.Counter
	capacity     prometheus.Gauge
	buffered     prometheus.Gauge
	starts       prometheus.Counter
	faults       prometheus.Counter
}

// ForStream binds the collectors to one device and direction
func (m *Metrics) ForStream(device, direction string) *Stream {
	return &Stream{
		workerFrames: m.FramesTransferred.WithLabelValues(device, direction, "worker"),
		directFrames: m.FramesTransferred.WithLabelValues(device, direction, "direct"),
		appFrames:    m.FramesTransferred.WithLabelValues(device, direction, "application"),
		resizes:      m.BufferResizes.WithLabelValues(device, direction),
		capacity:     m.BufferCapacity.WithLabelValues(device, direction),
		buffered:     m.BufferedFrames.WithLabelValues(device, direction),
		starts:       m.WorkerStarts.WithLabelValues(device, direction),
		faults:       m.WorkerFaults.WithLabelValues(device, direction),
	}
}

// WorkerFrames counts frames the background worker moved
func (s *Stream) WorkerFrames(n int) { s.workerFrames.Add(float64(n)) }

// DirectFrames counts frames a caller moved straight through the device
func (s *Stream) DirectFrames(n int) { s.directFrames.Add(float64(n)) }

// ApplicationFrames counts frames exchanged with the ring by callers
func (s *Stream) ApplicationFrames(n int) { s.appFrames.Add(float64(n)) }

// Resized records a ring reallocation
func (s *Stream) Resized(capacity int) {
	s.resizes.Inc()
	s.capacity.Set(float64(capacity))
}

// Allocated records a fresh ring
func (s *Stream) Allocated(capacity int) { s.capacity.Set(float64(capacity)) }

// Released records that the ring is gone
func (s *Stream) Released() {
	s.capacity.Set(0)
	s.buffered.Set(0)
}

// Buffered records the live frame count
func (s *Stream) Buffered(n int) { s.buffered.Set(float64(n)) }

// WorkerStarted records a worker launch
func (s *Stream) WorkerStarted() { s.starts.Inc() }

// WorkerFaulted records a worker stopped by a device error
func (s *Stream) WorkerFaulted() { s.faults.Inc() }

// Relay observes one NATS subject
type Relay struct {
	published prometheus.Counter
	received  prometheus.Counter
	dropped   prometheus.Counter
}

// ForRelay binds the relay collectors to a subject
func (m *Metrics) ForRelay(subject string) *Relay {
	return &Relay{
		published: m.RelayFrames.WithLabelValues(subject, "published"),
		received:  m.RelayFrames.WithLabelValues(subject, "received"),
		dropped:   m.RelayFrames.WithLabelValues(subject, "dropped"),
	}
}

func (r *Relay) Published(n int) { r.published.Add(float64(n)) }

func (r *Relay) Received(n int) { r.received.Add(float64(n)) }

func (r *Relay) Dropped(n int) { r.dropped.Add(float64(n)) }
