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

// Package ringbuf implements a growable circular buffer of interleaved
// 16-bit sample frames.
//
// A Ring is not safe for concurrent use. The streams in internal/stream
// guard each Ring with the owning stream's mutex.
package ringbuf

import "fmt"

// Ring holds live frames in the circular range [start, start+count) modulo
// its capacity. Capacity only grows, by doubling.
type Ring struct {
	data     []int16
	channels int
	start    int
	count    int
}

// Fit returns the smallest base*2^k that is at least need
func Fit(base, need int) int {
	if base < 1 {
		base = 1
	}
	for base < need {
		base *= 2
	}
	return base
}

// New allocates a ring holding capacity frames of the given channel count
func New(channels, capacity int) *Ring {
	if channels < 1 {
		panic(fmt.Sprintf("ringbuf: invalid channel count %d", channels))
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		data:     make([]int16, capacity*channels),
		channels: channels,
	}
}

// Channels returns the number of samples per frame
func (r *Ring) Channels() int { return r.channels }

// Cap returns the capacity in frames
func (r *Ring) Cap() int { return len(r.data) / r.channels }

// Len returns the number of live frames
func (r *Ring) Len() int { return r.count }

// Start returns the offset of the oldest live frame
func (r *Ring) Start() int { return r.start }

// Free returns the number of frames that fit without growing
func (r *Ring) Free() int { return r.Cap() - r.count }

// segments returns the storage holding n frames starting at circular offset
// off, as at most two linear slices. Every copy in or out of the ring goes
// through here.
func (r *Ring) segments(off, n int) (first, second []int16) {
	capacity := r.Cap()
	head := min(n, capacity-off)
	first = r.data[off*r.channels : (off+head)*r.channels]
	if n > head {
		second = r.data[:(n-head)*r.channels]
	}
	return first, second
}

// Reserve makes room for need more frames. When the ring is too small it is
// reallocated at the next doubling of its capacity that fits, the live
// frames are moved to offset 0 and true is returned.
func (r *Ring) Reserve(need int) bool {
	if r.count+need <= r.Cap() {
		return false
	}
	grown := make([]int16, Fit(r.Cap(), r.count+need)*r.channels)
	a, b := r.segments(r.start, r.count)
	k := copy(grown, a)
	copy(grown[k:], b)
	r.data = grown
	r.start = 0
	return true
}

// writeOffset is where the next frame will be appended
func (r *Ring) writeOffset() int {
	return (r.start + r.count) % r.Cap()
}

// Write appends the frames in src, growing the ring if needed, and returns
// the number of frames appended. A trailing partial frame is ignored.
func (r *Ring) Write(src []int16) int {
	n := len(src) / r.channels
	if n == 0 {
		return 0
	}
	r.Reserve(n)
	a, b := r.segments(r.writeOffset(), n)
	k := copy(a, src)
	copy(b, src[k:])
	r.count += n
	return n
}

// Read moves up to len(dst)/Channels() of the oldest frames into dst and
// returns how many were moved.
func (r *Ring) Read(dst []int16) int {
	n := min(len(dst)/r.channels, r.count)
	if n == 0 {
		return 0
	}
	a, b := r.segments(r.start, n)
	k := copy(dst, a)
	copy(dst[k:], b)
	r.Discard(n)
	return n
}

// Peek returns the n oldest frames without consuming them, split at the
// capacity boundary.
func (r *Ring) Peek(n int) (first, second []int16) {
	if n > r.count {
		n = r.count
	}
	return r.segments(r.start, n)
}

// Discard drops the n oldest frames
func (r *Ring) Discard(n int) {
	if n > r.count {
		n = r.count
	}
	r.start = (r.start + n) % r.Cap()
	r.count -= n
}

// Tail returns the first contiguous run of free storage at the write
// offset, clamped to limit frames. It never wraps, so a caller filling it may
// get fewer frames than asked for and must come back for the rest.
func (r *Ring) Tail(limit int) []int16 {
	n := min(limit, r.Free())
	if n <= 0 {
		return nil
	}
	first, _ := r.segments(r.writeOffset(), n)
	return first
}

// Commit marks n frames written through Tail as live
func (r *Ring) Commit(n int) {
	if n > r.Free() {
		panic(fmt.Sprintf("ringbuf: commit of %d frames exceeds %d free", n, r.Free()))
	}
	r.count += n
}

// Reset drops every live frame
func (r *Ring) Reset() {
	r.start = 0
	r.count = 0
}
