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

	"github.com/loqalabs/loqa-pcm-go/internal/audio"
)

var (
	// ErrFaulted is returned by playback writes after the worker hit an unrecoverable device error
	ErrFaulted = errors.New("stream faulted")

	// ErrFrameShape is returned when a sample count does not divide into whole frames
	ErrFrameShape = errors.New("samples do not form whole frames")
)

// notOpen reports an operation on a closed stream, naming the device
func notOpen(device, op string) error {
	return &audio.DeviceError{Device: device, Op: op, Err: audio.ErrNotOpen}
}
