package trace

import (
	"fmt"
	"os"
)

// Exception is one captured error record.
type Exception struct {
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`

	// Remote marks exceptions copied up from a descendant rather than
	// raised at this node.
	Remote bool `json:"remote,omitempty"`
}

// Cause holds the error data attached to a segment: either structured
// exception records or a plain message, never both.
type Cause struct {
	WorkingDirectory string      `json:"working_directory,omitempty"`
	Message          string      `json:"message,omitempty"`
	Exceptions       []Exception `json:"exceptions,omitempty"`
}

func newException(err error) Exception {
	return Exception{
		ID:      NewSegmentID(),
		Message: err.Error(),
		Type:    fmt.Sprintf("%T", err),
	}
}

func (c *Cause) addException(e Exception) {
	c.Message = ""
	c.Exceptions = append(c.Exceptions, e)
}

func workingDirectory() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}
