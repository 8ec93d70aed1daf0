// Copyright (c) 2023 The serai developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bitcoin

import (
	"go.uber.org/zap"
)

// log is the package logger.  It is a no-op by default.
var log = zap.NewNop()

// UseLogger routes the package's logging through the given logger.  Passing
// nil restores the no-op default.
func UseLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log = logger
}
