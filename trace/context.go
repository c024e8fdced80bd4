package trace

import "context"

type contextKey struct{}

var segmentKey contextKey

// NewContext returns a child context carrying seg.
func NewContext(ctx context.Context, seg *Segment) context.Context {
	return context.WithValue(ctx, segmentKey, seg)
}

// WithSegment is an alias for NewContext.
func WithSegment(ctx context.Context, seg *Segment) context.Context {
	return NewContext(ctx, seg)
}

// GetSegment extracts the segment carried by ctx, if any.
func GetSegment(ctx context.Context) (*Segment, bool) {
	seg, ok := ctx.Value(segmentKey).(*Segment)
	return seg, ok
}

// SegmentFromContext returns the carried segment or nil. Handy when the
// caller relies on nil-tolerant Segment methods.
func SegmentFromContext(ctx context.Context) *Segment {
	seg, _ := GetSegment(ctx)
	return seg
}
