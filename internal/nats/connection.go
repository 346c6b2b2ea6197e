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
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-pcm-go/internal/logging"
)

// Conn is the part of a NATS connection the relay needs, for dependency injection
type Conn interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
	Flush() error
	Close()
}

// ConnAdapter adapts *nats.Conn to Conn
type ConnAdapter struct {
	conn *nats.Conn
}

func NewConnAdapter(conn *nats.Conn) *ConnAdapter {
	return &ConnAdapter{conn: conn}
}

func (a *ConnAdapter) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return a.conn.Subscribe(subject, cb)
}

func (a *ConnAdapter) Publish(subject string, data []byte) error {
	return a.conn.Publish(subject, data)
}

func (a *ConnAdapter) Flush() error {
	return a.conn.Flush()
}

func (a *ConnAdapter) Close() {
	a.conn.Close()
}

// Connect dials the server, retrying up to attempts times with delay in between
func Connect(url string, attempts int, delay time.Duration) (*ConnAdapter, error) {
	log := logging.For("nats")
	if attempts < 1 {
		attempts = 1
	}

	var nc *nats.Conn
	var err error
	for i := 0; i < attempts; i++ {
		nc, err = nats.Connect(url, nats.Name("pcmstream"))
		if err == nil {
			break
		}
		log.WithError(err).Warnf("Failed to connect to NATS (attempt %d/%d)", i+1, attempts)
		if i+1 < attempts {
			time.Sleep(delay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", attempts, err)
	}

	log.WithField("url", url).Info("Connected to NATS")
	return NewConnAdapter(nc), nil
}
