// Copyright 2025 Tom Barlow
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

package errors

import (
	"fmt"
	"time"
)

// TransientError represents a recoverable failure from an external
// platform API (network error, 5xx response, timeout). It counts toward
// a unit's retry budget and is retried with linear backoff.
type TransientError struct {
	Location string
	Message  string
	Cause    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Location, e.Message)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// ErrorType identifies this error for retry/reporting logic.
func (e *TransientError) ErrorType() string { return "transient" }

// IsRetryable is true: transient errors count toward the retry budget.
func (e *TransientError) IsRetryable() bool { return true }

// RateLimitError is raised by a platform handler to signal that the
// upstream API is rate-limiting requests. It does not count toward a
// stream's retry budget; instead it pauses the owning run until
// ResetAfter elapses.
type RateLimitError struct {
	// ResetAfter is how long to wait before the run becomes eligible
	// again. Zero means immediate re-eligibility at the next sweep.
	ResetAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rate limited: %s (resets in %s)", e.Message, e.ResetAfter)
	}
	return fmt.Sprintf("rate limited (resets in %s)", e.ResetAfter)
}

func (e *RateLimitError) ErrorType() string { return "rate_limit" }

// IsRetryable is false: a rate limit pauses the run rather than
// incrementing the stream's retry counter.
func (e *RateLimitError) IsRetryable() bool { return false }

// HandlerAbortError is raised when a handler calls AbortWithError.
// Terminal for the unit (stream or data row) only.
type HandlerAbortError struct {
	Message  string
	Metadata any
}

func (e *HandlerAbortError) Error() string { return e.Message }

func (e *HandlerAbortError) ErrorType() string { return "handler_abort" }

func (e *HandlerAbortError) IsRetryable() bool { return false }

// RunAbortError is raised when a handler calls AbortRunWithError.
// Terminal for the owning run and all of its remaining work.
type RunAbortError struct {
	Message  string
	Metadata any
}

func (e *RunAbortError) Error() string { return e.Message }

func (e *RunAbortError) ErrorType() string { return "run_abort" }

func (e *RunAbortError) IsRetryable() bool { return false }

// MissingDependencyError represents a unit that cannot be processed
// because something it depends on is absent: the integration was
// deleted, no handler is registered for the platform, or the parent run
// is in the wrong state. Terminal for the unit; may cascade to the run.
type MissingDependencyError struct {
	Location string
	Message  string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Location, e.Message)
}

func (e *MissingDependencyError) ErrorType() string { return "missing_dependency" }

func (e *MissingDependencyError) IsRetryable() bool { return false }

// FatalError represents a unit whose retry budget has been exhausted.
// Terminal for the unit; promotes the owning run to RunAbort.
type FatalError struct {
	Location string
	Message  string
	Cause    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Location, e.Message)
}

func (e *FatalError) Unwrap() error { return e.Cause }

func (e *FatalError) ErrorType() string { return "fatal" }

func (e *FatalError) IsRetryable() bool { return false }

// ValidationError represents invalid pipeline configuration or input,
// as distinct from a handler-domain error. It implements UserVisibleError
// so the CLI can print its Hint alongside the failure instead of just a
// raw stack of wrapped errors.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// IsUserVisible is always true: validation failures are always the
// result of something the operator wrote in a config file or flag.
func (e *ValidationError) IsUserVisible() bool { return true }

// UserMessage returns the same text as Error, since validation messages
// are already written for an operator rather than for a log line.
func (e *ValidationError) UserMessage() string { return e.Error() }

// Suggestion returns the configured remediation hint, if any.
func (e *ValidationError) Suggestion() string { return e.Hint }

// ConfigError represents configuration problems: missing queue/database
// endpoints, invalid worker settings, malformed YAML.
type ConfigError struct {
	Key    string
	Reason string
	Cause  error
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Cause }
