// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

import (
	"github.com/sirupsen/logrus"
)

var (
	logger *logrus.Logger = nil
)

const MaxLogLevel = logrus.DebugLevel

func init() {
	logger = logrus.New()
}

// SetLogger replaces the package logger, used by the probe core and the
// flash programmer.
func SetLogger(loggerInstance *logrus.Logger) {

	logger = loggerInstance
}

// Logger returns the package logger so that sub packages share one sink.
func Logger() *logrus.Logger {
	return logger
}
