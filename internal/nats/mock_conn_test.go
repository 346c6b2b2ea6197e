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
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// MockNATSConnection delivers published messages synchronously to subscribers
type MockNATSConnection struct {
	mu          sync.RWMutex
	subscribers map[string][]nats.MsgHandler
	published   map[string][][]byte
	connected   bool
	errors      map[string]error
	publishErr  error
	flushes     int
}

func NewMockNATSConnection() *MockNATSConnection {
	return &MockNATSConnection{
		subscribers: make(map[string][]nats.MsgHandler),
		published:   make(map[string][][]byte),
		connected:   true,
		errors:      make(map[string]error),
	}
}

func (m *MockNATSConnection) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil, nats.ErrConnectionClosed
	}
	if err, exists := m.errors[subject]; exists {
		return nil, err
	}

	m.subscribers[subject] = append(m.subscribers[subject], handler)
	return &nats.Subscription{Subject: subject}, nil
}

func (m *MockNATSConnection) Publish(subject string, data []byte) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nats.ErrConnectionClosed
	}
	if m.publishErr != nil {
		err := m.publishErr
		m.mu.Unlock()
		return err
	}
	m.published[subject] = append(m.published[subject], data)
	handlers := append([]nats.MsgHandler(nil), m.subscribers[subject]...)
	m.mu.Unlock()

	for _, handler := range handlers {
		handler(&nats.Msg{Subject: subject, Data: data})
	}
	return nil
}

func (m *MockNATSConnection) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nats.ErrConnectionClosed
	}
	m.flushes++
	return nil
}

func (m *MockNATSConnection) Published(subject string) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([][]byte(nil), m.published[subject]...)
}

func (m *MockNATSConnection) Flushes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushes
}

func (m *MockNATSConnection) SetError(subject string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[subject] = err
}

func (m *MockNATSConnection) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

func (m *MockNATSConnection) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MockNATSConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}
