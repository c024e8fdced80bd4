package trace

import (
	"context"
	"net/http"
	"sync"
)

var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Configure builds the package-level default client used by the free
// functions below. Calling it again replaces the previous default.
func Configure(opts ...Option) error {
	c, err := New(opts...)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	defaultClient = c
	defaultMu.Unlock()
	return nil
}

func getDefault() (*Client, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient == nil {
		c, err := New()
		if err != nil {
			return nil, err
		}
		defaultClient = c
	}
	return defaultClient, nil
}

// BeginSegment starts a root segment on the default client. When no default
// client can be built (e.g. the daemon address is unresolvable) tracing is
// skipped and a nil segment is returned.
func BeginSegment(ctx context.Context, name string) (context.Context, *Segment) {
	c, err := getDefault()
	if err != nil {
		return ctx, nil
	}
	return c.BeginSegment(ctx, name)
}

// BeginSegmentWithRequest is BeginSegmentWithRequest on the default client.
func BeginSegmentWithRequest(ctx context.Context, name string, r *http.Request) (context.Context, *Segment) {
	c, err := getDefault()
	if err != nil {
		return ctx, nil
	}
	return c.BeginSegmentWithRequest(ctx, name, r)
}

// BeginSubsegment starts a subsegment on the default client.
func BeginSubsegment(ctx context.Context, name string) (context.Context, *Segment) {
	c, err := getDefault()
	if err != nil {
		return ctx, nil
	}
	return c.BeginSubsegment(ctx, name)
}
