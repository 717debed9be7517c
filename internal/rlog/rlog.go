// Copyright 2023 Kami
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rlog wires the structured logger used by the selector, TLS
// adapter and prepare stage. It is intentionally small:
// callers that want their own zap.Logger can just pass one in via
// reactor.WithLogger instead of going through here.
package rlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Default returns a development-friendly console logger.
func Default() *zap.Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		// zap.NewDevelopment only fails on a broken os.Stderr; fall
		// back to the no-op logger rather than panic in library code.
		return zap.NewNop()
	}
	return l
}

// RotatingFile returns a logger whose output rotates through lumberjack,
// for long-running servers that want their selector/TLS diagnostics on
// disk instead of stderr.
func RotatingFile(path string, maxSizeMB, maxBackups, maxAgeDays int) *zap.Logger {
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	})
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	core := zapcore.NewCore(enc, sink, zap.InfoLevel)
	return zap.New(core)
}
