// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package errutil centralizes how oops-wrapped errors are logged and
// asserted on, so every package in this module reports the same shape
// of structured error instead of each call site reinventing it.
package errutil

import (
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs err at error level, pulling code and context out of it
// when it's an oops error so dashboards can group on code rather than
// parsing message strings.
func LogError(logger *slog.Logger, msg string, err error) {
	if oopsErr, ok := oops.AsOops(err); ok {
		attrs := []any{"error", oopsErr.Error()}
		if code := oopsErr.Code(); code != "" {
			attrs = append(attrs, "code", code)
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			attrs = append(attrs, "context", ctx)
		}
		logger.Error(msg, attrs...)
		return
	}
	logger.Error(msg, "error", err)
}
