package sampling

import "fmt"

// ConfigurationError indicates a malformed sampling rule source. The load
// that produced it is abandoned and any previously loaded configuration is
// retained.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("sampling configuration error: %s", e.Message)
}

func configErrorf(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}
