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
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/loqalabs/loqa-pcm-go/internal/logging"
	"github.com/loqalabs/loqa-pcm-go/internal/metrics"
	"github.com/loqalabs/loqa-pcm-go/internal/transport"
)

// Source provides captured audio, normally a capture stream
type Source interface {
	Read(frames int) ([]int16, error)
	Rate() (int, error)
	Channels() (int, error)
}

// AudioPublisher sends PCM as binary frames on a subject.
// It is not safe for concurrent use.
type AudioPublisher struct {
	conn     Conn
	subject  string
	session  uint32
	sequence uint32
	log      *logrus.Entry
	relay    *metrics.Relay
	now      func() time.Time
}

// NewAudioPublisher starts a new session on subject. A nil m keeps the
// counters unregistered.
func NewAudioPublisher(conn Conn, subject string, m *metrics.Metrics) *AudioPublisher {
	if m == nil {
		m, _ = metrics.New(nil)
	}
	session := uuid.New().ID()
	return &AudioPublisher{
		conn:    conn,
		subject: subject,
		session: session,
		log: logging.For("publisher").WithFields(logrus.Fields{
			"subject": subject,
			"session": session,
		}),
		relay: m.ForRelay(subject),
		now:   time.Now,
	}
}

// SessionID identifies this publisher's frames
func (p *AudioPublisher) SessionID() uint32 {
	return p.session
}

func (p *AudioPublisher) timestamp() uint64 {
	return uint64(p.now().UnixMicro()) //nolint:gosec // G115: wall clock is after the epoch
}

func (p *AudioPublisher) send(frame *transport.Frame) error {
	data, err := frame.Serialize()
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish %s frame: %w", frame.Type, err)
	}
	p.sequence++
	return nil
}

// Publish sends interleaved samples, split over as many frames as needed
func (p *AudioPublisher) Publish(samples []int16, rate, channels int) error {
	for _, chunk := range transport.Packetize(samples, channels) {
		frame, err := transport.NewAudioFrame(p.session, p.sequence, rate, channels, p.timestamp(), chunk)
		if err != nil {
			return err
		}
		if err := p.send(frame); err != nil {
			return err
		}
		p.relay.Published(frame.Frames())
	}
	return nil
}

// End tells subscribers to drain and flushes the connection
func (p *AudioPublisher) End() error {
	if err := p.send(transport.NewFrame(transport.FrameTypeAudioEnd, p.session, p.sequence, p.timestamp())); err != nil {
		return err
	}
	return p.conn.Flush()
}

// Drop tells subscribers to discard what they have buffered
func (p *AudioPublisher) Drop() error {
	return p.send(transport.NewFrame(transport.FrameTypeDrop, p.session, p.sequence, p.timestamp()))
}

// Run publishes chunkFrames at a time from src until ctx is done or total
// frames were sent, then ends the session. A total of 0 or less never stops
// on its own.
func (p *AudioPublisher) Run(ctx context.Context, src Source, chunkFrames, total int) error {
	if chunkFrames <= 0 {
		return fmt.Errorf("invalid chunk size %d", chunkFrames)
	}
	rate, err := src.Rate()
	if err != nil {
		return err
	}
	channels, err := src.Channels()
	if err != nil {
		return err
	}

	p.log.WithFields(logrus.Fields{"rate": rate, "channels": channels}).Info("Publishing audio")
	sent := 0
	for (total <= 0 || sent < total) && ctx.Err() == nil {
		n := chunkFrames
		if total > 0 {
			n = min(n, total-sent)
		}
		samples, err := src.Read(n)
		if err != nil {
			return fmt.Errorf("failed to read capture: %w", err)
		}
		if err := p.Publish(samples, rate, channels); err != nil {
			return err
		}
		sent += n
	}

	p.log.WithField("frames", sent).Info("Audio session ended")
	return p.End()
}
