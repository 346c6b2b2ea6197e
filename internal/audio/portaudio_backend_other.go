//go:build !portaudio

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

// PortAudioBackend is only built with the portaudio tag, which needs the
// PortAudio C library
type PortAudioBackend struct{}

// NewPortAudioBackend returns a backend whose Open reports ErrUnsupported
func NewPortAudioBackend() *PortAudioBackend {
	return &PortAudioBackend{}
}

func (p *PortAudioBackend) Open(dir Direction, params Params) (Device, error) {
	return nil, &DeviceError{Device: params.Name, Op: "open", Err: ErrUnsupported}
}

func (p *PortAudioBackend) Devices() ([]string, error) {
	return nil, ErrUnsupported
}

func (p *PortAudioBackend) Close() error {
	return nil
}
