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
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/loqalabs/loqa-pcm-go/internal/logging"
	"github.com/loqalabs/loqa-pcm-go/internal/metrics"
	"github.com/loqalabs/loqa-pcm-go/internal/transport"
)

// Sink receives relayed audio, normally a playback stream
type Sink interface {
	Write(samples []int16) error
	Drain() error
	Drop() error
	Rate() (int, error)
	Channels() (int, error)
}

// AudioSubscriber plays PCM frames received on a subject into a Sink
type AudioSubscriber struct {
	conn    Conn
	subject string
	sink    Sink
	frames  chan *transport.Frame
	log     *logrus.Entry
	relay   *metrics.Relay

	// owned by Run
	session     uint32
	next        uint32
	haveSession bool

	gaps atomic.Int64
}

// NewAudioSubscriber queues up to capacity frames between the NATS callback and Run.
// A nil m keeps the counters unregistered.
func NewAudioSubscriber(conn Conn, subject string, sink Sink, capacity int, m *metrics.Metrics) *AudioSubscriber {
	if capacity < 1 {
		capacity = 1
	}
	if m == nil {
		m, _ = metrics.New(nil)
	}
	return &AudioSubscriber{
		conn:    conn,
		subject: subject,
		sink:    sink,
		frames:  make(chan *transport.Frame, capacity),
		log:     logging.For("subscriber").WithField("subject", subject),
		relay:   m.ForRelay(subject),
	}
}

// Start begins listening for frames
func (as *AudioSubscriber) Start() error {
	if _, err := as.conn.Subscribe(as.subject, as.handleAudioMessage); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", as.subject, err)
	}
	as.log.Info("Subscribed to audio subject")
	return nil
}

func (as *AudioSubscriber) handleAudioMessage(msg *nats.Msg) {
	frame, err := transport.DeserializeFrame(msg.Data)
	if err != nil {
		as.log.WithError(err).Warn("Discarding undecodable frame")
		return
	}

	select {
	case as.frames <- frame:
	default:
		as.relay.Dropped(frame.Frames())
		as.log.WithFields(logrus.Fields{
			"session":  frame.SessionID,
			"sequence": frame.Sequence,
		}).Warn("Frame queue full, dropping frame")
	}
}

// Run applies queued frames to the sink until ctx is done or the sink fails
func (as *AudioSubscriber) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-as.frames:
			if err := as.apply(frame); err != nil {
				return err
			}
		}
	}
}

func (as *AudioSubscriber) apply(frame *transport.Frame) error {
	as.track(frame)

	switch frame.Type {
	case transport.FrameTypeAudioData:
		return as.play(frame)
	case transport.FrameTypeAudioEnd:
		as.log.WithField("session", frame.SessionID).Debug("End of audio, draining")
		if err := as.sink.Drain(); err != nil {
			return fmt.Errorf("failed to drain playback: %w", err)
		}
	case transport.FrameTypeDrop:
		as.log.WithField("session", frame.SessionID).Debug("Dropping buffered audio")
		if err := as.sink.Drop(); err != nil {
			return fmt.Errorf("failed to drop playback: %w", err)
		}
	default:
		as.log.WithField("type", frame.Type).Warn("Ignoring unknown frame type")
	}
	return nil
}

func (as *AudioSubscriber) play(frame *transport.Frame) error {
	rate, err := as.sink.Rate()
	if err != nil {
		return err
	}
	channels, err := as.sink.Channels()
	if err != nil {
		return err
	}
	if int(frame.SampleRate) != rate || int(frame.Channels) != channels {
		as.relay.Dropped(frame.Frames())
		as.log.WithFields(logrus.Fields{
			"rate":     frame.SampleRate,
			"channels": frame.Channels,
		}).Warnf("Frame format does not match playback (%d Hz, %d channels)", rate, channels)
		return nil
	}

	samples, err := frame.Samples()
	if err != nil {
		as.log.WithError(err).Warn("Discarding malformed audio frame")
		return nil
	}
	if err := as.sink.Write(samples); err != nil {
		return fmt.Errorf("failed to write playback: %w", err)
	}
	as.relay.Received(frame.Frames())
	return nil
}

// track follows the sequence of the current session and counts gaps
func (as *AudioSubscriber) track(frame *transport.Frame) {
	if !as.haveSession || frame.SessionID != as.session {
		as.log.WithField("session", frame.SessionID).Info("New audio session")
		as.session = frame.SessionID
		as.haveSession = true
	} else if frame.Sequence != as.next {
		as.gaps.Add(1)
		as.log.WithFields(logrus.Fields{
			"expected": as.next,
			"got":      frame.Sequence,
		}).Debug("Sequence gap")
	}
	as.next = frame.Sequence + 1
}

// Gaps returns how many sequence discontinuities were seen within sessions
func (as *AudioSubscriber) Gaps() int {
	return int(as.gaps.Load())
}

// Close closes the NATS connection
func (as *AudioSubscriber) Close() {
	if as.conn != nil {
		as.conn.Close()
		as.log.Debug("NATS connection closed")
	}
}
