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

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-pcm-go/internal/audio"
	"github.com/loqalabs/loqa-pcm-go/internal/stream"
	"github.com/loqalabs/loqa-pcm-go/internal/wavfile"
)

func recordCommand(a *app) *cobra.Command {
	var duration time.Duration
	var dev deviceFlags

	cmd := &cobra.Command{
		Use:   "record [output.wav]",
		Short: "Record from a capture device into a WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.record(cmd.Context(), args[0], dev.apply(cmd, a.settings.Capture.Params()), duration)
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "Stop after this long, 0 records until interrupted")
	dev.register(cmd, "")
	return cmd
}

func (a *app) record(ctx context.Context, path string, p audio.Params, duration time.Duration) error {
	backend, err := a.openBackend()
	if err != nil {
		return err
	}
	defer backend.Close()

	c, err := stream.OpenCapture(backend, p, a.streamOptions("capture")...)
	if err != nil {
		return err
	}
	defer c.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	rate, err := c.Rate()
	if err != nil {
		return err
	}
	n, err := wavfile.Record(ctx, f, c, framesFor(duration, rate), c.PeriodFrames())
	if err != nil {
		return err
	}

	a.log.WithFields(logrus.Fields{"file": path, "frames": n}).Info("Recorded")
	return nil
}

func playCommand(a *app) *cobra.Command {
	var dev deviceFlags

	cmd := &cobra.Command{
		Use:   "play [input.wav]",
		Short: "Play a WAV file through a playback device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// the device follows the file's format unless flags override it
			return a.play(cmd.Context(), args[0], func(info wavfile.Format) audio.Params {
				p := a.settings.Playback.Params()
				p.Rate = info.SampleRate
				p.Channels = info.Channels
				return dev.apply(cmd, p)
			})
		},
	}

	dev.register(cmd, "")
	return cmd
}

func (a *app) play(ctx context.Context, path string, params func(wavfile.Format) audio.Params) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := wavfile.Info(f)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	p := params(info)

	backend, err := a.openBackend()
	if err != nil {
		return err
	}
	defer backend.Close()

	pb, err := stream.OpenPlayback(backend, p, a.streamOptions("playback")...)
	if err != nil {
		return err
	}
	defer pb.Close()

	n, err := wavfile.Play(ctx, f, pb, pb.PeriodFrames())
	if err != nil && !interrupted(err) {
		return err
	}

	a.log.WithFields(logrus.Fields{"file": path, "frames": n}).Info("Played")
	return nil
}

func loopbackCommand(a *app) *cobra.Command {
	var duration time.Duration
	var capture, playback deviceFlags

	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Play what a capture device records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.loopback(cmd.Context(),
				capture.apply(cmd, a.settings.Capture.Params()),
				playback.apply(cmd, a.settings.Playback.Params()),
				duration)
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "Stop after this long, 0 runs until interrupted")
	capture.register(cmd, "capture-")
	playback.register(cmd, "playback-")
	return cmd
}

func (a *app) loopback(ctx context.Context, cp, pp audio.Params, duration time.Duration) error {
	backend, err := a.openBackend()
	if err != nil {
		return err
	}
	defer backend.Close()

	c, err := stream.OpenCapture(backend, cp, a.streamOptions("capture")...)
	if err != nil {
		return err
	}
	defer c.Close()

	pb, err := stream.OpenPlayback(backend, pp, a.streamOptions("playback")...)
	if err != nil {
		return err
	}
	defer pb.Close()

	rate, err := c.Rate()
	if err != nil {
		return err
	}
	playRate, err := pb.Rate()
	if err != nil {
		return err
	}
	if rate != playRate || cp.Channels != pp.Channels {
		return fmt.Errorf("capture is %d Hz with %d channels, playback is %d Hz with %d channels",
			rate, cp.Channels, playRate, pp.Channels)
	}

	total := framesFor(duration, rate)
	chunk := c.PeriodFrames()
	moved := 0
	for (total <= 0 || moved < total) && ctx.Err() == nil {
		n := chunk
		if total > 0 {
			n = min(n, total-moved)
		}
		samples, err := c.Read(n)
		if err != nil {
			return err
		}
		if err := pb.Write(samples); err != nil {
			return err
		}
		moved += n
	}

	if ctx.Err() != nil {
		return pb.Drop()
	}
	if err := pb.Drain(); err != nil {
		return err
	}
	a.log.WithField("frames", moved).Info("Loopback finished")
	return nil
}

func devicesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the devices the backend can open",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := a.openBackend()
			if err != nil {
				return err
			}
			defer backend.Close()

			names, err := backend.Devices()
			if err != nil {
				return fmt.Errorf("failed to list devices: %w", err)
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
