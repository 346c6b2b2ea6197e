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

package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Binary frame protocol for relaying interleaved S16 PCM between hosts.
// Headers are big-endian, sample payloads little-endian as the devices deliver them.

// FrameType represents the type of frame being transmitted
type FrameType uint8

const (
	// FrameTypeAudioData carries interleaved samples
	FrameTypeAudioData FrameType = 0x01
	// FrameTypeAudioEnd asks the receiver to drain what it has buffered
	FrameTypeAudioEnd FrameType = 0x02
	// FrameTypeDrop asks the receiver to discard what it has buffered
	FrameTypeDrop FrameType = 0x03
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeAudioData:
		return "audio-data"
	case FrameTypeAudioEnd:
		return "audio-end"
	case FrameTypeDrop:
		return "drop"
	default:
		return fmt.Sprintf("frame-type(0x%02X)", uint8(t))
	}
}

// Frame represents a binary frame in the protocol
type Frame struct {
	Type       FrameType
	Channels   uint8
	SessionID  uint32
	Sequence   uint32
	SampleRate uint32
	Timestamp  uint64
	Data       []byte
}

// FrameHeader represents the fixed-size frame header (28 bytes)
type FrameHeader struct {
	Magic      uint32    // 0x50434D31 ("PCM1")
	Type       FrameType // Frame type (1 byte)
	Channels   uint8     // Interleaved channel count (1 byte)
	Length     uint16    // Data payload length (2 bytes)
	SessionID  uint32    // Session identifier (4 bytes)
	Sequence   uint32    // Sequence number (4 bytes)
	SampleRate uint32    // Frames per second (4 bytes)
	Timestamp  uint64    // Unix timestamp microseconds (8 bytes)
}

const (
	// FrameMagic marks every frame
	FrameMagic = 0x50434D31 // "PCM1" in big-endian

	// MaxFrameSize keeps a frame well under the NATS default max payload
	MaxFrameSize = 16384
	HeaderSize   = 28
	MaxDataSize  = MaxFrameSize - HeaderSize

	bytesPerSample = 2
)

// Serialize converts a frame to binary format
func (f *Frame) Serialize() ([]byte, error) {
	if len(f.Data) > MaxDataSize {
		return nil, fmt.Errorf("frame data too large: %d bytes (max %d)", len(f.Data), MaxDataSize)
	}

	header := FrameHeader{
		Magic:      FrameMagic,
		Type:       f.Type,
		Channels:   f.Channels,
		Length:     uint16(len(f.Data)), //nolint:gosec // G115: bounded by MaxDataSize above
		SessionID:  f.SessionID,
		Sequence:   f.Sequence,
		SampleRate: f.SampleRate,
		Timestamp:  f.Timestamp,
	}

	buf := bytes.NewBuffer(make([]byte, 0, f.Size()))
	if err := binary.Write(buf, binary.BigEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write frame header: %w", err)
	}
	if len(f.Data) > 0 {
		if _, err := buf.Write(f.Data); err != nil {
			return nil, fmt.Errorf("failed to write frame data: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// DeserializeFrame converts binary data to a frame
func DeserializeFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("frame too small: %d bytes (min %d)", len(data), HeaderSize)
	}

	header, err := parseFrameHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}

	expectedSize := HeaderSize + int(header.Length)
	if len(data) != expectedSize {
		return nil, fmt.Errorf("frame size mismatch: got %d bytes, expected %d", len(data), expectedSize)
	}

	frame := &Frame{
		Type:       header.Type,
		Channels:   header.Channels,
		SessionID:  header.SessionID,
		Sequence:   header.Sequence,
		SampleRate: header.SampleRate,
		Timestamp:  header.Timestamp,
	}
	if header.Length > 0 {
		frame.Data = make([]byte, header.Length)
		copy(frame.Data, data[HeaderSize:])
	}

	return frame, nil
}

// ReadFrame reads one frame from a byte stream, header first
func ReadFrame(r io.Reader) (*Frame, error) {
	headerData := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerData); err != nil {
		return nil, err
	}
	header, err := parseFrameHeader(headerData)
	if err != nil {
		return nil, err
	}

	frame := &Frame{
		Type:       header.Type,
		Channels:   header.Channels,
		SessionID:  header.SessionID,
		Sequence:   header.Sequence,
		SampleRate: header.SampleRate,
		Timestamp:  header.Timestamp,
	}
	if header.Length > 0 {
		frame.Data = make([]byte, header.Length)
		if _, err := io.ReadFull(r, frame.Data); err != nil {
			return nil, fmt.Errorf("failed to read frame data: %w", err)
		}
	}
	return frame, nil
}

func parseFrameHeader(headerData []byte) (*FrameHeader, error) {
	if len(headerData) != HeaderSize {
		return nil, fmt.Errorf("invalid header size: %d bytes (expected %d)", len(headerData), HeaderSize)
	}

	var header FrameHeader
	if err := binary.Read(bytes.NewReader(headerData), binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	if header.Magic != FrameMagic {
		return nil, fmt.Errorf("invalid frame magic: 0x%08X (expected 0x%08X)", header.Magic, FrameMagic)
	}
	if header.Length > MaxDataSize {
		return nil, fmt.Errorf("frame data too large: %d bytes (max %d)", header.Length, MaxDataSize)
	}

	return &header, nil
}

// NewFrame creates a control frame without payload
func NewFrame(frameType FrameType, sessionID, sequence uint32, timestamp uint64) *Frame {
	return &Frame{
		Type:      frameType,
		SessionID: sessionID,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

// NewAudioFrame encodes interleaved samples into an audio data frame
func NewAudioFrame(sessionID, sequence uint32, rate, channels int, timestamp uint64, samples []int16) (*Frame, error) {
	if channels <= 0 || channels > 255 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}
	if rate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", rate)
	}
	if len(samples)%channels != 0 {
		return nil, fmt.Errorf("%d samples do not form whole frames of %d channels", len(samples), channels)
	}
	if len(samples)*bytesPerSample > MaxDataSize {
		return nil, fmt.Errorf("frame data too large: %d bytes (max %d)", len(samples)*bytesPerSample, MaxDataSize)
	}

	data := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*bytesPerSample:], uint16(s)) //nolint:gosec // G115: two's complement reinterpretation
	}

	return &Frame{
		Type:       FrameTypeAudioData,
		Channels:   uint8(channels),
		SessionID:  sessionID,
		Sequence:   sequence,
		SampleRate: uint32(rate), //nolint:gosec // G115: validated positive above
		Timestamp:  timestamp,
		Data:       data,
	}, nil
}

// Samples decodes the payload of an audio data frame
func (f *Frame) Samples() ([]int16, error) {
	if f.Type != FrameTypeAudioData {
		return nil, fmt.Errorf("%s frame carries no samples", f.Type)
	}
	if f.Channels == 0 {
		return nil, fmt.Errorf("audio frame without channels")
	}
	frameBytes := int(f.Channels) * bytesPerSample
	if len(f.Data)%frameBytes != 0 {
		return nil, fmt.Errorf("payload of %d bytes does not hold whole frames of %d channels", len(f.Data), f.Channels)
	}

	samples := make([]int16, len(f.Data)/bytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(f.Data[i*bytesPerSample:])) //nolint:gosec // G115: two's complement reinterpretation
	}
	return samples, nil
}

// Frames returns the number of PCM frames in the payload
func (f *Frame) Frames() int {
	if f.Channels == 0 {
		return 0
	}
	return len(f.Data) / (int(f.Channels) * bytesPerSample)
}

// MaxFramesPerPacket is the largest number of PCM frames one audio frame can carry
func MaxFramesPerPacket(channels int) int {
	if channels <= 0 {
		return 0
	}
	return MaxDataSize / (channels * bytesPerSample)
}

// Packetize splits interleaved samples into chunks that each fit one audio frame
func Packetize(samples []int16, channels int) [][]int16 {
	per := MaxFramesPerPacket(channels) * channels
	if per == 0 || len(samples) == 0 {
		return nil
	}
	chunks := make([][]int16, 0, (len(samples)+per-1)/per)
	for len(samples) > 0 {
		n := min(per, len(samples))
		chunks = append(chunks, samples[:n])
		samples = samples[n:]
	}
	return chunks
}

// IsValid checks if the frame is structurally valid
func (f *Frame) IsValid() bool {
	if len(f.Data) > MaxDataSize {
		return false
	}
	if f.Type == FrameTypeAudioData {
		return f.Channels > 0 && f.SampleRate > 0 && len(f.Data)%(int(f.Channels)*bytesPerSample) == 0
	}
	return true
}

// Size returns the total serialized size of the frame
func (f *Frame) Size() int {
	return HeaderSize + len(f.Data)
}
