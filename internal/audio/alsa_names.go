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
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// alsaNameRegexp parses ALSA device names such as hw:0,1, plughw:Loopback,1
// or surround41:CARD=Fred,DEV=0. The plugin prefix is ignored since PCM
// devices are opened directly.
var alsaNameRegexp = regexp.MustCompile(`^(?:[a-zA-Z_][a-zA-Z0-9_]*:)(?:CARD=)?([A-Za-z0-9_]+)(?:,(?:DEV=)?(\d+))?(?:,(\d+))?$`)

// alsaCardLine matches " 0 [Loopback       ]: Loopback - Loopback"
var alsaCardLine = regexp.MustCompile(`^\s*(\d+)\s+\[(\S+?)\s*\]`)

// alsaPCMInfo is one line of /proc/asound/pcm
type alsaPCMInfo struct {
	Card     uint
	Device   uint
	ID       string
	Playback bool
	Capture  bool
}

// Name returns the hw:C,D name of the device
func (i alsaPCMInfo) Name() string {
	return fmt.Sprintf("hw:%d,%d", i.Card, i.Device)
}

// supports reports whether the device has a substream for dir
func (i alsaPCMInfo) supports(dir Direction) bool {
	if dir == Capture {
		return i.Capture
	}
	return i.Playback
}

// parseProcPCM reads lines like
// "00-00: ALC892 Analog : ALC892 Analog : playback 1 : capture 1"
func parseProcPCM(r io.Reader) ([]alsaPCMInfo, error) {
	var result []alsaPCMInfo
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 2 {
			continue
		}
		ids := strings.SplitN(strings.TrimSpace(fields[0]), "-", 2)
		if len(ids) != 2 {
			continue
		}
		card, err := strconv.ParseUint(ids[0], 10, 32)
		if err != nil {
			continue
		}
		device, err := strconv.ParseUint(ids[1], 10, 32)
		if err != nil {
			continue
		}

		info := alsaPCMInfo{Card: uint(card), Device: uint(device), ID: strings.TrimSpace(fields[1])}
		for _, f := range fields[2:] {
			f = strings.TrimSpace(f)
			switch {
			case strings.HasPrefix(f, "playback"):
				info.Playback = true
			case strings.HasPrefix(f, "capture"):
				info.Capture = true
			}
		}
		result = append(result, info)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse PCM list: %w", err)
	}
	return result, nil
}

// alsaNames resolves ALSA device names against a procfs root
type alsaNames struct {
	procRoot string
}

func (n alsaNames) list() ([]alsaPCMInfo, error) {
	f, err := os.Open(filepath.Join(n.procRoot, "asound", "pcm"))
	if err != nil {
		return nil, fmt.Errorf("could not read ALSA PCM list: %w", err)
	}
	defer f.Close()
	return parseProcPCM(f)
}

// cardByName resolves a card name like "Loopback" or a number like "0"
func (n alsaNames) cardByName(nameOrNum string) (uint, error) {
	if v, err := strconv.ParseUint(nameOrNum, 10, 32); err == nil {
		return uint(v), nil
	}

	f, err := os.Open(filepath.Join(n.procRoot, "asound", "cards"))
	if err != nil {
		return 0, fmt.Errorf("could not read ALSA card list: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := alsaCardLine.FindStringSubmatch(scanner.Text())
		if m != nil && strings.EqualFold(m[2], nameOrNum) {
			v, _ := strconv.ParseUint(m[1], 10, 32)
			return uint(v), nil
		}
	}
	return 0, fmt.Errorf("ALSA card %q not found", nameOrNum)
}

// resolve maps a device name to card and device numbers. "default" and
// the empty name pick the first device that supports dir.
func (n alsaNames) resolve(name string, dir Direction) (card, device uint, err error) {
	if m := alsaNameRegexp.FindStringSubmatch(name); m != nil {
		card, err = n.cardByName(m[1])
		if err != nil {
			return 0, 0, err
		}
		if m[2] != "" {
			v, _ := strconv.ParseUint(m[2], 10, 32)
			device = uint(v)
		}
		return card, device, nil
	}

	if name != "" && name != DefaultDeviceName {
		return 0, 0, fmt.Errorf("unrecognised ALSA device name %q", name)
	}

	infos, err := n.list()
	if err != nil {
		return 0, 0, err
	}
	for _, info := range infos {
		if info.supports(dir) {
			return info.Card, info.Device, nil
		}
	}
	return 0, 0, fmt.Errorf("no %s device found", dir)
}
