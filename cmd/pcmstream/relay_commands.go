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
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-pcm-go/internal/audio"
	"github.com/loqalabs/loqa-pcm-go/internal/nats"
	"github.com/loqalabs/loqa-pcm-go/internal/stream"
)

func publishCommand(a *app) *cobra.Command {
	var duration time.Duration
	var subject string
	var dev deviceFlags

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Stream a capture device to NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("subject") {
				a.settings.NATS.Subject = subject
			}
			return a.publish(cmd.Context(), dev.apply(cmd, a.settings.Capture.Params()), duration)
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "Stop after this long, 0 runs until interrupted")
	cmd.Flags().StringVar(&subject, "subject", "", "NATS subject to publish on")
	dev.register(cmd, "")
	return cmd
}

func (a *app) publish(ctx context.Context, p audio.Params, duration time.Duration) error {
	ns := a.settings.NATS
	conn, err := a.connect(ns.URL, ns.ConnectAttempts, ns.RetryDelay)
	if err != nil {
		return err
	}
	defer conn.Close()

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

	rate, err := c.Rate()
	if err != nil {
		return err
	}

	publisher := nats.NewAudioPublisher(conn, ns.Subject, a.metrics)
	return publisher.Run(ctx, c, ns.ChunkFrames, framesFor(duration, rate))
}

func subscribeCommand(a *app) *cobra.Command {
	var subject string
	var dev deviceFlags

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Play audio streamed over NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("subject") {
				a.settings.NATS.Subject = subject
			}
			return a.subscribe(cmd.Context(), dev.apply(cmd, a.settings.Playback.Params()))
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "NATS subject to subscribe to")
	dev.register(cmd, "")
	return cmd
}

func (a *app) subscribe(ctx context.Context, p audio.Params) error {
	ns := a.settings.NATS
	conn, err := a.connect(ns.URL, ns.ConnectAttempts, ns.RetryDelay)
	if err != nil {
		return err
	}

	backend, err := a.openBackend()
	if err != nil {
		conn.Close()
		return err
	}
	defer backend.Close()

	pb, err := stream.OpenPlayback(backend, p, a.streamOptions("playback")...)
	if err != nil {
		conn.Close()
		return err
	}
	defer pb.Close()

	subscriber := nats.NewAudioSubscriber(conn, ns.Subject, pb, ns.QueueFrames, a.metrics)
	defer subscriber.Close()

	if err := subscriber.Start(); err != nil {
		return err
	}
	return subscriber.Run(ctx)
}
