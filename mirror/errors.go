package mirror

import "fmt"

// ConfigError is a missing or invalid endpoint or lock-socket setup. It is
// fatal and never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "mirror configuration error: " + e.Reason
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// RemoteError is a non-zero exit or unrecognized terminal output from a
// remote push, fetch or wait operation. The captured output is the error
// detail surfaced to the caller.
type RemoteError struct {
	Op     string
	Output string
}

func (e *RemoteError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("mirror %s failed", e.Op)
	}
	return fmt.Sprintf("mirror %s failed: %s", e.Op, e.Output)
}
