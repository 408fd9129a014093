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

// Package logx is the process-wide logger collaborator the reactor
// core calls out to. It stands in for the source's Logger singleton
// and timestamp-formatting macros, backed by zap the way the rest of
// the retrieval pack logs (govoltron-voltron's own dependency tree
// pulls in zap and lumberjack for this purpose).
package logx

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var current atomic.Value // *zap.SugaredLogger

func defaultLogger() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}

// L returns the process-wide logger, building a production zap
// logger on first use.
func L() *zap.SugaredLogger {
	if v := current.Load(); v != nil {
		return v.(*zap.SugaredLogger)
	}
	l := defaultLogger()
	current.Store(l)
	return l
}

// SetLogger replaces the process-wide logger, e.g. with one built by
// NewRotating. Safe to call concurrently with L.
func SetLogger(l *zap.SugaredLogger) {
	current.Store(l)
}

// NewRotating builds a zap logger that writes JSON entries through a
// lumberjack rotating file, for applications that want on-disk logs
// instead of stderr. This is the Go-native analogue of the source's
// out-of-scope logger singleton plus timestamp formatting: zap stamps
// every entry and lumberjack rotates the file.
func NewRotating(path string, maxSizeMB, maxBackups, maxAgeDays int) *zap.Logger {
	ws := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	})
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	core := zapcore.NewCore(enc, ws, zap.InfoLevel)
	return zap.New(core)
}
