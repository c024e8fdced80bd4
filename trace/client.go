package trace

import (
	"context"
	"net/http"
	"net/url"
	"os"

	"github.com/donetkit/contrib-log/glog"
	"github.com/pkg/errors"

	"github.com/donetkit/tracekit/daemon"
	"github.com/donetkit/tracekit/sampling"
)

// Sender delivers one serialized document to the collector. *daemon.Emitter
// satisfies it.
type Sender interface {
	Send(doc []byte) error
}

// Client creates segments and flushes completed trees to the daemon. A
// single Client is safe for concurrent use and is normally process-wide.
type Client struct {
	name               string
	daemonAddr         string
	streamingThreshold int
	strictClose        bool
	strategy           sampling.Strategy
	sender             Sender
	contextMissing     ContextMissingStrategy
	logger             glog.ILogger
	origin             string
	hostMetadata       map[string]interface{}
}

// New builds a Client. Defaults come first, environment variables second,
// options last, so explicit options always win.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		daemonAddr:         daemon.DefaultAddress,
		streamingThreshold: defaultStreamingThreshold,
		logger:             glog.New(),
	}
	if name := os.Getenv(envTracingName); name != "" {
		c.name = name
	}
	if addr := os.Getenv(envDaemonAddress); addr != "" {
		c.daemonAddr = addr
	}
	if s := contextMissingFromEnv(c.logger); s != nil {
		c.contextMissing = s
	}
	for _, opt := range opts {
		opt(c)
	}
	resolved, err := daemon.ResolveAddress(c.daemonAddr)
	if err != nil {
		return nil, err
	}
	c.daemonAddr = resolved
	if c.contextMissing == nil {
		c.contextMissing = &LogErrorStrategy{Logger: c.logger}
	}
	if c.sender == nil {
		emitter, err := daemon.NewEmitter(c.daemonAddr, c.logger)
		if err != nil {
			return nil, errors.Wrap(err, "trace: dialing daemon")
		}
		c.sender = emitter
	}
	if c.strategy == nil {
		u := url.URL{Scheme: "http", Host: c.daemonAddr}
		strategy, err := sampling.NewCentralizedStrategy(
			sampling.WithEndpoint(u),
			sampling.WithCentralizedLogger(c.logger),
		)
		if err != nil {
			return nil, errors.Wrap(err, "trace: building sampling strategy")
		}
		c.strategy = strategy
	}
	return c, nil
}

// BeginSegment starts a new root segment and returns a context carrying
// it. The sampling decision is taken here, once per tree.
func (c *Client) BeginSegment(ctx context.Context, name string) (context.Context, *Segment) {
	return c.beginSegment(ctx, name, &sampling.Request{ServiceName: c.segmentName(name)})
}

// BeginSegmentWithRequest starts a root segment for an inbound HTTP
// request, feeding the request attributes into rule matching and recording
// them on the segment.
func (c *Client) BeginSegmentWithRequest(ctx context.Context, name string, r *http.Request) (context.Context, *Segment) {
	req := &sampling.Request{
		Host:        r.Host,
		Method:      r.Method,
		URL:         r.URL.Path,
		ServiceName: c.segmentName(name),
	}
	ctx, seg := c.beginSegment(ctx, name, req)
	seg.HTTP = &HTTPData{
		Request: &RequestData{
			Method:    r.Method,
			URL:       r.URL.String(),
			ClientIP:  clientIP(r),
			UserAgent: r.UserAgent(),
		},
	}
	return ctx, seg
}

func (c *Client) beginSegment(ctx context.Context, name string, req *sampling.Request) (context.Context, *Segment) {
	seg := newRootSegment(c, c.segmentName(name))
	decision := c.strategy.ShouldTrace(req)
	if decision != nil {
		seg.Sampled = decision.Sample
		if decision.Rule != nil {
			seg.RuleName = *decision.Rule
		}
	}
	if c.origin != "" {
		seg.Origin = c.origin
	}
	if c.hostMetadata != nil {
		for k, v := range c.hostMetadata {
			seg.AddMetadataToNamespace("host", k, v)
		}
	}
	return NewContext(ctx, seg), seg
}

// BeginSubsegment starts a subsegment under the segment carried by ctx. On
// a bare context the configured missing-context strategy runs and a nil
// segment is returned; all Segment methods tolerate a nil receiver so the
// instrumented code keeps working untraced.
func (c *Client) BeginSubsegment(ctx context.Context, name string) (context.Context, *Segment) {
	parent, ok := GetSegment(ctx)
	if !ok || parent == nil {
		c.contextMissing.ContextMissing("BeginSubsegment " + name)
		return ctx, nil
	}
	seg := newSubsegment(parent, name)
	return NewContext(ctx, seg), seg
}

// Close releases the sender and stops the sampling strategy's background
// pollers when it owns any.
func (c *Client) Close() error {
	if closer, ok := c.strategy.(interface{ Close() }); ok {
		closer.Close()
	}
	if closer, ok := c.sender.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (c *Client) segmentName(name string) string {
	if name != "" {
		return name
	}
	if c.name != "" {
		return c.name
	}
	return "unknown"
}

func (c *Client) send(payloads [][]byte) {
	for _, doc := range payloads {
		if err := c.sender.Send(doc); err != nil {
			c.logger.Errorf("trace: emit failed: %s", err.Error())
		}
	}
}

func (c *Client) logSerializeError(seg *Segment, err error) {
	c.logger.Errorf("trace: serializing segment %s (%s): %s", seg.Name, seg.ID, err.Error())
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}
