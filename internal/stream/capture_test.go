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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-pcm-go/internal/audio"
	"github.com/loqalabs/loqa-pcm-go/internal/metrics"
)

func newTestCapture(t *testing.T, p audio.Params) (*Capture, *audio.MockDevice, *metrics.Metrics) {
	t.Helper()
	dev := audio.NewMockDevice(audio.Capture, p)
	m := newTestMetrics(t)
	c, err := NewCapture(dev, WithWaitTimeout(testWait), WithMetrics(m))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, dev, m
}

func TestCaptureReadFallsThroughToDevice(t *testing.T) {
	c, dev, m := newTestCapture(t, testParams(1000, 2, 256))
	dev.Feed(2000)

	frames, err := c.Read(2000)
	require.NoError(t, err)

	assert.Equal(t, audio.MockFrames(0, 2000, 2), frames)
	assert.Equal(t, 1024, c.Capacity(), "one second rounded up by doubling the period")
	assert.Equal(t, 2000, dev.Transfers()[0], "shortfall is one direct transfer")
	assert.Equal(t, 2000.0, testutil.ToFloat64(m.FramesTransferred.WithLabelValues("mock", "capture", "direct")))
}

func TestCaptureAvailableBeforeRead(t *testing.T) {
	c, dev, _ := newTestCapture(t, testParams(48000, 2, 1024))

	avail, err := c.Available()
	require.NoError(t, err)
	assert.Equal(t, 0, avail)
	assert.Equal(t, Absent, c.State())

	dev.Feed(1024)
	avail, err = c.Available()
	require.NoError(t, err)
	assert.Equal(t, 1024, avail, "only device pending frames while no buffer exists")
	assert.Equal(t, 0, c.Capacity())
}

func TestCaptureWorkerBuffersAhead(t *testing.T) {
	c, dev, m := newTestCapture(t, testParams(1000, 2, 256))

	first, err := c.Read(0)
	require.NoError(t, err)
	assert.Empty(t, first)
	assert.Equal(t, Active, c.State())

	dev.Feed(768)
	require.Eventually(t, func() bool { return c.Buffered() == 768 }, eventual, tick)

	avail, err := c.Available()
	require.NoError(t, err)
	assert.Equal(t, 768, avail)

	// less than a period stays at the device until a read asks for it
	dev.Feed(100)
	frames, err := c.Read(868)
	require.NoError(t, err)
	assert.Equal(t, audio.MockFrames(0, 868, 2), frames)
	assert.Equal(t, 768.0, testutil.ToFloat64(m.FramesTransferred.WithLabelValues("mock", "capture", "worker")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.FramesTransferred.WithLabelValues("mock", "capture", "direct")))
}

func TestCaptureOrderSurvivesWrapAndGrowth(t *testing.T) {
	c, dev, m := newTestCapture(t, testParams(1000, 2, 256))

	_, err := c.Read(0)
	require.NoError(t, err)

	dev.Feed(768)
	require.Eventually(t, func() bool { return c.Buffered() == 768 }, eventual, tick)

	frames, err := c.Read(512)
	require.NoError(t, err)
	assert.Equal(t, audio.MockFrames(0, 512, 2), frames)

	// fill the ring across its end
	dev.Feed(768)
	require.Eventually(t, func() bool { return c.Buffered() == 1024 }, eventual, tick)
	assert.Equal(t, 1024, c.Capacity())

	// the next period does not fit
	dev.Feed(512)
	require.Eventually(t, func() bool { return c.Buffered() == 1536 }, eventual, tick)
	assert.Equal(t, 2048, c.Capacity())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BufferResizes.WithLabelValues("mock", "capture")))

	frames, err = c.Read(1536)
	require.NoError(t, err)
	assert.Equal(t, audio.MockFrames(512, 1536, 2), frames)
	assert.Zero(t, testutil.ToFloat64(m.FramesTransferred.WithLabelValues("mock", "capture", "direct")))
}

func TestCaptureConcurrentFeedAndRead(t *testing.T) {
	c, dev, _ := newTestCapture(t, testParams(1000, 2, 64))

	const chunks, chunk = 50, 100
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < chunks; i++ {
			dev.Feed(chunk)
			time.Sleep(200 * time.Microsecond)
		}
	}()

	var got []int16
	for i := 0; i < 10; i++ {
		frames, err := c.Read(chunks * chunk / 10)
		require.NoError(t, err)
		got = append(got, frames...)
	}
	wg.Wait()

	assert.Equal(t, audio.MockFrames(0, chunks*chunk, 2), got)
	assert.EqualValues(t, chunks*chunk, dev.Produced(), "no frame read twice or lost")
}

func TestCaptureReadErrorNamesDevice(t *testing.T) {
	c, dev, _ := newTestCapture(t, testParams(1000, 1, 64))
	boom := errors.New("input/output error")
	dev.SetTransferError(boom)

	_, err := c.Read(10)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var de *audio.DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "mock", de.Device)
	assert.Contains(t, err.Error(), `"mock"`)
}

func TestCaptureWorkerFaultSelfHeals(t *testing.T) {
	c, dev, m := newTestCapture(t, testParams(1000, 1, 64))

	_, err := c.Read(0)
	require.NoError(t, err)

	boom := errors.New("device unplugged")
	dev.SetTransferError(boom)
	dev.Feed(64)

	require.Eventually(t, func() bool { return c.Fault() != nil }, eventual, tick)
	assert.ErrorIs(t, c.Fault(), boom)
	require.Eventually(t, func() bool { return c.State() == Absent }, eventual, tick)
	assert.Equal(t, 0, c.Capacity(), "buffer dropped on fault")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerFaults.WithLabelValues("mock", "capture")))

	dev.SetTransferError(nil)
	frames, err := c.Read(64)
	require.NoError(t, err)
	assert.Equal(t, audio.MockFrames(0, 64, 1), frames)
	assert.NoError(t, c.Fault())
	assert.Equal(t, Active, c.State())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WorkerStarts.WithLabelValues("mock", "capture")))
}

func TestCaptureWaitErrorFaults(t *testing.T) {
	c, dev, _ := newTestCapture(t, testParams(1000, 1, 64))
	dev.SetWaitError(errors.New("poll failed"))

	_, err := c.Read(0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Fault() != nil }, eventual, tick)
	assert.Contains(t, c.Fault().Error(), "poll failed")
}

func TestCaptureReset(t *testing.T) {
	c, dev, _ := newTestCapture(t, testParams(1000, 2, 128))

	_, err := c.Read(0)
	require.NoError(t, err)
	dev.Feed(512)
	require.Eventually(t, func() bool { return c.Buffered() == 512 }, eventual, tick)

	require.NoError(t, c.Reset())
	assert.Equal(t, 0, c.Buffered())
	assert.Equal(t, 1, dev.Drops())
	require.Eventually(t, func() bool { return c.State() == Absent }, eventual, tick)

	avail, err := c.Available()
	require.NoError(t, err)
	assert.Equal(t, 0, avail)

	// reading again starts from whatever the device captures next
	dev.Feed(10)
	frames, err := c.Read(10)
	require.NoError(t, err)
	assert.Equal(t, audio.MockFrames(512, 10, 2), frames)
}

func TestCaptureClose(t *testing.T) {
	c, dev, _ := newTestCapture(t, testParams(1000, 2, 128))

	_, err := c.Read(0)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, dev.Closes())
	assert.False(t, dev.IsOpen())
	assert.Equal(t, Closed, c.State())

	_, err = c.Read(1)
	assert.ErrorIs(t, err, audio.ErrNotOpen)
	_, err = c.Available()
	assert.ErrorIs(t, err, audio.ErrNotOpen)
	assert.ErrorIs(t, c.Reset(), audio.ErrNotOpen)
	_, err = c.Rate()
	assert.ErrorIs(t, err, audio.ErrNotOpen)
	_, err = c.Channels()
	assert.ErrorIs(t, err, audio.ErrNotOpen)
	assert.Contains(t, err.Error(), "mock")
}

func TestCaptureAccessors(t *testing.T) {
	c, _, _ := newTestCapture(t, testParams(44100, 1, 441))

	rate, err := c.Rate()
	require.NoError(t, err)
	assert.Equal(t, 44100, rate)

	channels, err := c.Channels()
	require.NoError(t, err)
	assert.Equal(t, 1, channels)
	assert.Equal(t, "mock", c.Name())
	assert.Equal(t, 441, c.PeriodFrames())
}

func TestCaptureRejectsNegativeRead(t *testing.T) {
	c, _, _ := newTestCapture(t, testParams(1000, 1, 64))
	_, err := c.Read(-1)
	assert.ErrorIs(t, err, ErrFrameShape)

	require.NoError(t, c.Close())
	_, err = c.Read(-1)
	assert.ErrorIs(t, err, audio.ErrNotOpen, "a closed stream reports not open first")
	assert.NotErrorIs(t, err, ErrFrameShape)
}

func TestNewCaptureRejectsPlaybackDevice(t *testing.T) {
	dev := audio.NewMockDevice(audio.Playback, testParams(1000, 1, 64))
	_, err := NewCapture(dev)
	assert.ErrorIs(t, err, audio.ErrWrongDirection)
}

func TestOpenCapture(t *testing.T) {
	backend := audio.NewMockBackend()
	backend.SetAutoFeed(false)

	c, err := OpenCapture(backend, testParams(8000, 1, 80), WithWaitTimeout(testWait))
	require.NoError(t, err)
	defer c.Close()

	devices := backend.Opened()
	require.Len(t, devices, 1)
	devices[0].Feed(80)

	frames, err := c.Read(80)
	require.NoError(t, err)
	assert.Len(t, frames, 80)
}

func TestOpenCaptureError(t *testing.T) {
	backend := audio.NewMockBackend()
	backend.SetOpenError(errors.New("no such device"))

	_, err := OpenCapture(backend, testParams(8000, 1, 80))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such device")
}
