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

// Package logging configures the process-wide logrus logger.
package logging

import (
	"errors"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Configure sets the standard logrus logger's level, formatter and output.
//
// Valid levels are "none", "error", "warn", "info", "debug" and "trace". Any
// other value returns an error. Format is "text" (default) or "json". A nil
// out keeps stderr.
func Configure(level, format string, out io.Writer) error {
	logger := logrus.StandardLogger()

	if out == nil {
		out = os.Stderr
	}

	switch level {
	case "none":
		// No logging is required, discard everything and return
		logger.SetOutput(io.Discard)
		logger.SetLevel(logrus.PanicLevel)
		return nil
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "trace":
		logger.SetLevel(logrus.TraceLevel)
	default:
		return errors.New("unexpected log level")
	}

	switch format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.New("unexpected log format")
	}

	logger.SetOutput(out)
	return nil
}

// For returns an entry tagged with the component name
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
