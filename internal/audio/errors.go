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
	"errors"
	"fmt"
)

var (
	// ErrNotOpen is returned by every operation on a device or stream after Close
	ErrNotOpen = errors.New("device is not open, did you call Close before?")

	// ErrShortTransfer is returned when a device moved fewer frames than requested
	ErrShortTransfer = errors.New("short transfer")

	// ErrUnsupported is returned for backends or operations not available on this platform
	ErrUnsupported = errors.New("not supported")

	// ErrWrongDirection is returned when a capture device is asked to play or vice versa
	ErrWrongDirection = errors.New("operation not valid for stream direction")
)

// DeviceError carries the PCM device name and the failing operation
type DeviceError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s on PCM device %q: %v", e.Op, e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// NewDeviceError wraps err for the named device unless it already is a DeviceError
func NewDeviceError(device, op string, err error) error {
	if err == nil {
		return nil
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return err
	}
	return &DeviceError{Device: device, Op: op, Err: err}
}

// ShortTransfer builds the error for a transfer that moved got of want frames
func ShortTransfer(device, op string, got, want int) error {
	return &DeviceError{
		Device: device,
		Op:     op,
		Err:    fmt.Errorf("%w: only managed %d of %d frames", ErrShortTransfer, got, want),
	}
}
