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

package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-pcm-go/internal/audio"
	"github.com/loqalabs/loqa-pcm-go/internal/metrics"
	"github.com/loqalabs/loqa-pcm-go/internal/stream"
	"github.com/loqalabs/loqa-pcm-go/internal/transport"
)

const testSubject = "audio.test"

func decodeAll(t *testing.T, msgs [][]byte) []*transport.Frame {
	t.Helper()
	frames := make([]*transport.Frame, 0, len(msgs))
	for _, data := range msgs {
		f, err := transport.DeserializeFrame(data)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames
}

func TestPublisherSplitsLargeBuffers(t *testing.T) {
	conn := NewMockNATSConnection()
	m, err := metrics.New(nil)
	require.NoError(t, err)
	p := NewAudioPublisher(conn, testSubject, m)

	frames := transport.MaxFramesPerPacket(2) + 100
	samples := audio.MockFrames(0, frames, 2)
	require.NoError(t, p.Publish(samples, 48000, 2))

	got := decodeAll(t, conn.Published(testSubject))
	require.Len(t, got, 2)

	var joined []int16
	for i, f := range got {
		assert.Equal(t, p.SessionID(), f.SessionID)
		assert.Equal(t, uint32(i), f.Sequence)
		assert.Equal(t, uint32(48000), f.SampleRate)
		assert.NotZero(t, f.Timestamp)
		s, err := f.Samples()
		require.NoError(t, err)
		joined = append(joined, s...)
	}
	assert.Equal(t, samples, joined)
	assert.Equal(t, float64(frames), testutil.ToFloat64(m.RelayFrames.WithLabelValues(testSubject, "published")))
}

func TestPublisherControlFrames(t *testing.T) {
	conn := NewMockNATSConnection()
	p := NewAudioPublisher(conn, testSubject, nil)

	require.NoError(t, p.Drop())
	require.NoError(t, p.End())

	got := decodeAll(t, conn.Published(testSubject))
	require.Len(t, got, 2)
	assert.Equal(t, transport.FrameTypeDrop, got[0].Type)
	assert.Equal(t, transport.FrameTypeAudioEnd, got[1].Type)
	assert.Equal(t, uint32(1), got[1].Sequence)
	assert.Equal(t, 1, conn.Flushes())
}

func TestPublisherSessionsDiffer(t *testing.T) {
	conn := NewMockNATSConnection()
	a := NewAudioPublisher(conn, testSubject, nil)
	b := NewAudioPublisher(conn, testSubject, nil)
	assert.NotEqual(t, a.SessionID(), b.SessionID())
}

func TestPublisherPublishError(t *testing.T) {
	conn := NewMockNATSConnection()
	boom := errors.New("boom")
	conn.SetPublishError(boom)
	p := NewAudioPublisher(conn, testSubject, nil)

	err := p.Publish([]int16{1, 2}, 8000, 1)
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "failed to publish audio-data frame")

	assert.Error(t, p.Publish([]int16{1, 2, 3}, 8000, 2), "partial frames are rejected")
}

func TestPublisherRunFromCapture(t *testing.T) {
	conn := NewMockNATSConnection()
	dev := audio.NewMockDevice(audio.Capture, audio.Params{
		Name: "mock", Rate: 8000, Channels: 2, Periods: 4, PeriodFrames: 128,
	})
	dev.SetAutoFeed(true)
	c, err := stream.NewCapture(dev, stream.WithWaitTimeout(5*time.Millisecond))
	require.NoError(t, err)
	defer c.Close()

	p := NewAudioPublisher(conn, testSubject, nil)
	require.NoError(t, p.Run(context.Background(), c, 300, 1000))

	got := decodeAll(t, conn.Published(testSubject))
	require.Len(t, got, 5)

	var joined []int16
	for _, f := range got[:4] {
		s, err := f.Samples()
		require.NoError(t, err)
		joined = append(joined, s...)
	}
	assert.Equal(t, audio.MockFrames(0, 1000, 2), joined)
	assert.Equal(t, transport.FrameTypeAudioEnd, got[4].Type)
}

func TestPublisherRunStopsOnCancel(t *testing.T) {
	conn := NewMockNATSConnection()
	dev := audio.NewMockDevice(audio.Capture, audio.Params{
		Name: "mock", Rate: 8000, Channels: 1, Periods: 4, PeriodFrames: 64,
	})
	c, err := stream.NewCapture(dev, stream.WithWaitTimeout(5*time.Millisecond))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewAudioPublisher(conn, testSubject, nil)
	require.NoError(t, p.Run(ctx, c, 64, 0))

	got := decodeAll(t, conn.Published(testSubject))
	require.Len(t, got, 1)
	assert.Equal(t, transport.FrameTypeAudioEnd, got[0].Type)
}

func TestPublisherRunErrors(t *testing.T) {
	conn := NewMockNATSConnection()
	p := NewAudioPublisher(conn, testSubject, nil)

	dev := audio.NewMockDevice(audio.Capture, audio.Params{
		Name: "mock", Rate: 8000, Channels: 1, Periods: 4, PeriodFrames: 64,
	})
	c, err := stream.NewCapture(dev, stream.WithWaitTimeout(5*time.Millisecond))
	require.NoError(t, err)

	assert.ErrorContains(t, p.Run(context.Background(), c, 0, 10), "invalid chunk size")

	require.NoError(t, c.Close())
	err = p.Run(context.Background(), c, 64, 10)
	assert.ErrorIs(t, err, audio.ErrNotOpen)
}
