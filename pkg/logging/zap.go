// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package logging builds the zap loggers used for status output and diagnostics.
package logging

import (
	"io"

	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogDestination is a console encoded output with its own level.
type LogDestination struct {
	level  zapcore.LevelEnabler
	writer io.Writer
	config zapcore.EncoderConfig
}

// EncoderOption tweaks the encoder of a destination.
type EncoderOption func(config *zapcore.EncoderConfig)

// WithoutTimestamp drops the time column.
func WithoutTimestamp() EncoderOption {
	return func(config *zapcore.EncoderConfig) {
		config.EncodeTime = nil
	}
}

// WithoutLogLevels drops the level column.
func WithoutLogLevels() EncoderOption {
	return func(config *zapcore.EncoderConfig) {
		config.EncodeLevel = nil
	}
}

// WithoutFields drops the logger name and structured context from the output.
func WithoutFields() EncoderOption {
	return func(config *zapcore.EncoderConfig) {
		config.NameKey = zapcore.OmitKey
		config.CallerKey = zapcore.OmitKey
		config.StacktraceKey = zapcore.OmitKey
	}
}

// NewLogDestination returns a destination writing entries enabled by logLevel to writer.
func NewLogDestination(writer io.Writer, logLevel zapcore.LevelEnabler, options ...EncoderOption) *LogDestination {
	config := zap.NewDevelopmentEncoderConfig()
	config.ConsoleSeparator = " "
	config.StacktraceKey = "error"

	for _, option := range options {
		option(&config)
	}

	return &LogDestination{
		level:  logLevel,
		config: config,
		writer: writer,
	}
}

// ZapLogger tees dests into a single logger.
func ZapLogger(dests ...*LogDestination) *zap.Logger {
	if len(dests) == 0 {
		return zap.NewNop()
	}

	cores := xslices.Map(dests, func(dest *LogDestination) zapcore.Core {
		return zapcore.NewCore(
			zapcore.NewConsoleEncoder(dest.config),
			zapcore.AddSync(dest.writer),
			dest.level,
		)
	})

	return zap.New(zapcore.NewTee(cores...))
}

// Diagnostics returns the logger for structured diagnostics, debug enables command traces.
func Diagnostics(w io.Writer, debug bool) *zap.Logger {
	level := zapcore.WarnLevel
	if debug {
		level = zapcore.DebugLevel
	}

	return ZapLogger(NewLogDestination(w, level, WithoutTimestamp()))
}

// Status returns a printf-style printer emitting one plain status line per call.
func Status(w io.Writer) func(string, ...any) {
	return ZapLogger(
		NewLogDestination(w, zapcore.InfoLevel, WithoutTimestamp(), WithoutLogLevels(), WithoutFields()),
	).Sugar().Infof
}

// Component tags entries with the pipeline component emitting them.
func Component(name string) zapcore.Field {
	return zap.String("component", name)
}
