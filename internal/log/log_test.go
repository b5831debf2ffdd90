// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package log

import (
	"bytes"
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// regexp for timestamps
const (
	rgxPID          = `[0-9]+`
	rgxdate         = `[0-9][0-9][0-9][0-9]/[0-9][0-9]/[0-9][0-9]`
	rgxtime         = `[0-9][0-9]:[0-9][0-9]:[0-9][0-9]`
	rgxmicroseconds = `\.[0-9][0-9][0-9][0-9][0-9][0-9]`
)

type tester struct {
	desc        string
	message     string
	wantPattern string // regexp that log output must match
}

func TestLoggerDebug(t *testing.T) {
	tests := []tester{
		{
			desc:    "without trailing newline, logger adds newline",
			message: "hello, world!",
			wantPattern: fmt.Sprintf("^resq: pid=%s %s %s%s DEBUG: hello, world!\n$",
				rgxPID, rgxdate, rgxtime, rgxmicroseconds),
		},
		{
			desc:    "with trailing newline, logger preserves newline",
			message: "hello, world!\n",
			wantPattern: fmt.Sprintf("^resq: pid=%s %s %s%s DEBUG: hello, world!\n$",
				rgxPID, rgxdate, rgxtime, rgxmicroseconds),
		},
	}

	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(newBase(&buf))

			logger.Debug(tc.message)

			matched, err := regexp.MatchString(tc.wantPattern, buf.String())
			require.NoError(t, err)
			assert.True(t, matched, "logger.Debug(%q) outputted %q, should match pattern %q",
				tc.message, buf.String(), tc.wantPattern)
		})
	}
}

func TestLoggerWarnf(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(newBase(&buf))

	logger.Warnf("queue %q is %d deep", "default", 3)

	pattern := fmt.Sprintf("^resq: pid=%s %s %s%s WARN: queue \"default\" is 3 deep\n$",
		rgxPID, rgxdate, rgxtime, rgxmicroseconds)
	matched, err := regexp.MatchString(pattern, buf.String())
	require.NoError(t, err)
	assert.True(t, matched, "got %q", buf.String())
}

func TestLoggerWithLowerLevels(t *testing.T) {
	// Logger should not log messages at a level
	// lower than the specified level.
	tests := []struct {
		level Level
		op    string
	}{
		{InfoLevel, "Debug"},
		{WarnLevel, "Debug"},
		{WarnLevel, "Info"},
		{ErrorLevel, "Warn"},
		{FatalLevel, "Error"},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprintf("%s at %v", tc.op, tc.level), func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(newBase(&buf))
			logger.SetLevel(tc.level)

			switch tc.op {
			case "Debug":
				logger.Debug("hello")
			case "Info":
				logger.Info("hello")
			case "Warn":
				logger.Warn("hello")
			case "Error":
				logger.Error("hello")
			}

			assert.Empty(t, buf.String())
		})
	}
}

func TestSetLevelPanicsOnInvalidLevel(t *testing.T) {
	logger := NewLogger(nil)
	assert.Panics(t, func() { logger.SetLevel(Level(42)) })
}
