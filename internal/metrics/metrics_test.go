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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	s := m.ForStream("hw:0,0", "capture")
	s.WorkerStarted()
	s.Resized(2048)

	count, err := testutil.GatherAndCount(reg,
		"pcmstream_worker_starts_total",
		"pcmstream_buffer_resizes_total",
		"pcmstream_buffer_capacity_frames")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestNewTwiceOnSameRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	// a second set shares the collectors already registered
	second, err := New(reg)
	require.NoError(t, err)
	second.ForStream("mock", "capture").WorkerStarted()

	count, err := testutil.GatherAndCount(reg, "pcmstream_worker_starts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStreamObservers(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	s := m.ForStream("mock", "playback")
	s.ApplicationFrames(100)
	s.WorkerFrames(64)
	s.DirectFrames(3)
	s.Allocated(1024)
	s.Resized(4096)
	s.Buffered(36)
	s.WorkerFaulted()

	assert.Equal(t, 100.0, testutil.ToFloat64(m.FramesTransferred.WithLabelValues("mock", "playback", "application")))
	assert.Equal(t, 64.0, testutil.ToFloat64(m.FramesTransferred.WithLabelValues("mock", "playback", "worker")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FramesTransferred.WithLabelValues("mock", "playback", "direct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BufferResizes.WithLabelValues("mock", "playback")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.BufferCapacity.WithLabelValues("mock", "playback")))
	assert.Equal(t, 36.0, testutil.ToFloat64(m.BufferedFrames.WithLabelValues("mock", "playback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerFaults.WithLabelValues("mock", "playback")))

	s.Released()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BufferCapacity.WithLabelValues("mock", "playback")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BufferedFrames.WithLabelValues("mock", "playback")))
}

func TestRelayObservers(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	r := m.ForRelay("audio.pcm")
	r.Published(480)
	r.Received(240)
	r.Dropped(12)

	assert.Equal(t, 480.0, testutil.ToFloat64(m.RelayFrames.WithLabelValues("audio.pcm", "published")))
	assert.Equal(t, 240.0, testutil.ToFloat64(m.RelayFrames.WithLabelValues("audio.pcm", "received")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.RelayFrames.WithLabelValues("audio.pcm", "dropped")))
}
