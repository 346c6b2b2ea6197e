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

// Package wavfile moves 16-bit PCM between WAV files and streams.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"

	"github.com/loqalabs/loqa-pcm-go/internal/logging"
)

const (
	bitDepth = 16
	wavPCM   = 1
)

// ErrInvalidFile is returned for input that is not a 16-bit PCM WAV file
var ErrInvalidFile = errors.New("input is not a valid 16-bit PCM WAV file")

// Source provides captured audio
type Source interface {
	Read(frames int) ([]int16, error)
	Rate() (int, error)
	Channels() (int, error)
}

// Sink plays audio
type Sink interface {
	Write(samples []int16) error
	Drain() error
	Drop() error
	Rate() (int, error)
	Channels() (int, error)
}

// Format describes a WAV file
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Info reads the header of a WAV file
func Info(r io.ReadSeeker) (Format, error) {
	decoder := wav.NewDecoder(r)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return Format{}, ErrInvalidFile
	}
	return Format{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitDepth:   int(decoder.BitDepth),
	}, nil
}

// Record captures frames from src into w, chunkFrames at a time. It stops
// after frames frames, or when ctx is done if frames is 0 or less, and
// returns how many frames were written.
func Record(ctx context.Context, w io.WriteSeeker, src Source, frames, chunkFrames int) (int, error) {
	if chunkFrames <= 0 {
		return 0, fmt.Errorf("invalid chunk size %d", chunkFrames)
	}
	rate, err := src.Rate()
	if err != nil {
		return 0, err
	}
	channels, err := src.Channels()
	if err != nil {
		return 0, err
	}

	log := logging.For("wavfile").WithFields(logrus.Fields{"rate": rate, "channels": channels})
	encoder := wav.NewEncoder(w, rate, bitDepth, channels, wavPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: rate, NumChannels: channels},
		SourceBitDepth: bitDepth,
	}

	written := 0
	for (frames <= 0 || written < frames) && ctx.Err() == nil {
		n := chunkFrames
		if frames > 0 {
			n = min(n, frames-written)
		}
		samples, err := src.Read(n)
		if err != nil {
			_ = encoder.Close()
			return written, fmt.Errorf("failed to read capture: %w", err)
		}

		buf.Data = buf.Data[:0]
		for _, s := range samples {
			buf.Data = append(buf.Data, int(s))
		}
		if err := encoder.Write(buf); err != nil {
			_ = encoder.Close()
			return written, fmt.Errorf("failed to write WAV data: %w", err)
		}
		written += n
	}

	if err := encoder.Close(); err != nil {
		return written, fmt.Errorf("failed to finalize WAV file: %w", err)
	}
	log.WithField("frames", written).Info("Recording finished")
	return written, nil
}

// Play writes the WAV data in r to sink chunkFrames at a time and drains it.
// The file must match the sink's rate and channel count. When ctx is done
// the sink is dropped and ctx.Err returned.
func Play(ctx context.Context, r io.ReadSeeker, sink Sink, chunkFrames int) (int, error) {
	if chunkFrames <= 0 {
		return 0, fmt.Errorf("invalid chunk size %d", chunkFrames)
	}

	decoder := wav.NewDecoder(r)
	decoder.ReadInfo()
	if !decoder.IsValidFile() || decoder.BitDepth != bitDepth || decoder.WavAudioFormat != wavPCM {
		return 0, ErrInvalidFile
	}

	rate, err := sink.Rate()
	if err != nil {
		return 0, err
	}
	channels, err := sink.Channels()
	if err != nil {
		return 0, err
	}
	if int(decoder.SampleRate) != rate || int(decoder.NumChans) != channels {
		return 0, fmt.Errorf("file is %d Hz with %d channels, playback is %d Hz with %d channels",
			decoder.SampleRate, decoder.NumChans, rate, channels)
	}

	log := logging.For("wavfile").WithFields(logrus.Fields{"rate": rate, "channels": channels})
	buf := &goaudio.IntBuffer{
		Data:   make([]int, chunkFrames*channels),
		Format: &goaudio.Format{SampleRate: rate, NumChannels: channels},
	}
	samples := make([]int16, 0, chunkFrames*channels)

	played := 0
	for {
		if err := ctx.Err(); err != nil {
			if dropErr := sink.Drop(); dropErr != nil {
				log.WithError(dropErr).Warn("Failed to drop playback")
			}
			return played, err
		}

		n, err := decoder.PCMBuffer(buf)
		if err != nil {
			return played, fmt.Errorf("failed to decode WAV data: %w", err)
		}
		if n == 0 {
			break
		}
		n -= n % channels

		samples = samples[:0]
		for _, s := range buf.Data[:n] {
			samples = append(samples, int16(s)) //nolint:gosec // G115: decoder yields 16-bit values
		}
		if err := sink.Write(samples); err != nil {
			return played, fmt.Errorf("failed to write playback: %w", err)
		}
		played += n / channels
	}

	if err := sink.Drain(); err != nil {
		return played, fmt.Errorf("failed to drain playback: %w", err)
	}
	log.WithField("frames", played).Info("Playback finished")
	return played, nil
}
