package trace

import (
	"os"
	"strings"

	"github.com/donetkit/contrib-log/glog"
	"github.com/donetkit/tracekit/sampling"
)

// Environment overrides, applied before programmatic options.
const (
	envDaemonAddress  = "TRACEKIT_DAEMON_ADDRESS"
	envTracingName    = "TRACEKIT_TRACING_NAME"
	envContextMissing = "TRACEKIT_CONTEXT_MISSING"
)

const defaultStreamingThreshold = 100

// ContextMissingStrategy decides what happens when a subsegment is begun
// on a context with no segment in it.
type ContextMissingStrategy interface {
	ContextMissing(op string)
}

// LogErrorStrategy logs the condition and lets the caller proceed with a
// nil segment. This is the default.
type LogErrorStrategy struct {
	Logger glog.ILogger
}

func (s *LogErrorStrategy) ContextMissing(op string) {
	if s.Logger != nil {
		s.Logger.Error((&ContextMissingError{Op: op}).Error())
	}
}

// RuntimeErrorStrategy panics with a ContextMissingError. Useful in tests
// and development where a missing segment is always a programming error.
type RuntimeErrorStrategy struct{}

func (s *RuntimeErrorStrategy) ContextMissing(op string) {
	panic(&ContextMissingError{Op: op})
}

func contextMissingFromEnv(logger glog.ILogger) ContextMissingStrategy {
	switch strings.ToUpper(os.Getenv(envContextMissing)) {
	case "RUNTIME_ERROR":
		return &RuntimeErrorStrategy{}
	case "LOG_ERROR":
		return &LogErrorStrategy{Logger: logger}
	default:
		return nil
	}
}

// Option configures a Client.
type Option func(*Client)

// WithName sets the default name given to root segments begun without an
// explicit name.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithDaemonAddress points the client at a collector daemon other than
// 127.0.0.1:2000. Partial forms are accepted: a bare host keeps the
// default port, a bare ":port" keeps the default host.
func WithDaemonAddress(addr string) Option {
	return func(c *Client) { c.daemonAddr = addr }
}

// WithSamplingStrategy replaces the default centralized strategy.
func WithSamplingStrategy(s sampling.Strategy) Option {
	return func(c *Client) { c.strategy = s }
}

// WithStreamingThreshold sets how many subsegments a tree may hold before
// completed subtrees are streamed out independently of the root.
func WithStreamingThreshold(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.streamingThreshold = n
		}
	}
}

// WithSender replaces the UDP emitter, e.g. with an in-memory sink for
// tests.
func WithSender(s Sender) Option {
	return func(c *Client) { c.sender = s }
}

// WithContextMissingStrategy sets the reaction to BeginSubsegment on a
// bare context.
func WithContextMissingStrategy(s ContextMissingStrategy) Option {
	return func(c *Client) { c.contextMissing = s }
}

// WithLogger sets the client logger.
func WithLogger(logger glog.ILogger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithStrictClose makes Close fail with a StateError while descendants are
// still open instead of deferring the flush.
func WithStrictClose() Option {
	return func(c *Client) { c.strictClose = true }
}

// WithHostMetadata stamps every root segment with an origin and a metadata
// block describing the host, as produced by the plugins package.
func WithHostMetadata(origin string, metadata map[string]interface{}) Option {
	return func(c *Client) {
		c.origin = origin
		c.hostMetadata = metadata
	}
}
