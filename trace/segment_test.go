package trace

import (
	"context"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donetkit/tracekit/sampling"
)

type memorySender struct {
	mu   sync.Mutex
	docs [][]byte
}

func (s *memorySender) Send(doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(doc))
	copy(cp, doc)
	s.docs = append(s.docs, cp)
	return nil
}

func (s *memorySender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *memorySender) document(t *testing.T, i int) map[string]interface{} {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(s.docs[i], &doc))
	return doc
}

func alwaysSample() sampling.Strategy {
	return sampling.StrategyFunc(func(req *sampling.Request) *sampling.Decision {
		return &sampling.Decision{Sample: true}
	})
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *memorySender) {
	t.Helper()
	sender := &memorySender{}
	opts = append([]Option{
		WithSender(sender),
		WithSamplingStrategy(alwaysSample()),
	}, opts...)
	c, err := New(opts...)
	require.NoError(t, err)
	return c, sender
}

func TestSegmentLifecycle(t *testing.T) {
	c, sender := newTestClient(t)

	ctx, seg := c.BeginSegment(context.Background(), "checkout")
	require.NotNil(t, seg)
	assert.Regexp(t, `^1-[0-9a-f]{8}-[0-9a-f]{24}$`, seg.TraceID)
	assert.Regexp(t, `^[0-9a-f]{16}$`, seg.ID)
	assert.True(t, seg.InProgress)
	_, ok := GetSegment(ctx)
	assert.True(t, ok)

	assert.Equal(t, 0, sender.count(), "nothing flushes before close")
	require.NoError(t, seg.Close(nil))
	require.Equal(t, 1, sender.count())

	doc := sender.document(t, 0)
	assert.Equal(t, "checkout", doc["name"])
	assert.NotContains(t, doc, "in_progress")
	assert.NotContains(t, doc, "sampled")
	assert.Greater(t, doc["end_time"], 0.0)
}

func TestSegmentDoubleClose(t *testing.T) {
	c, _ := newTestClient(t)

	_, seg := c.BeginSegment(context.Background(), "checkout")
	require.NoError(t, seg.Close(nil))

	err := seg.Close(nil)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, seg.ID, stateErr.ID)
}

func TestSegmentDeferredFlush(t *testing.T) {
	c, sender := newTestClient(t)

	ctx, root := c.BeginSegment(context.Background(), "checkout")
	_, sub := c.BeginSubsegment(ctx, "charge")
	require.NotNil(t, sub)
	assert.Equal(t, root.ID, sub.ParentID)

	// Closing the root while a child is open defers the flush.
	require.NoError(t, root.Close(nil))
	assert.True(t, root.Closed())
	assert.Equal(t, 0, sender.count())

	require.NoError(t, sub.Close(nil))
	require.Equal(t, 1, sender.count())

	doc := sender.document(t, 0)
	subs, ok := doc["subsegments"].([]interface{})
	require.True(t, ok)
	require.Len(t, subs, 1)
	assert.Equal(t, "charge", subs[0].(map[string]interface{})["name"])
}

func TestSegmentStrictClose(t *testing.T) {
	c, _ := newTestClient(t, WithStrictClose())

	ctx, root := c.BeginSegment(context.Background(), "checkout")
	_, sub := c.BeginSubsegment(ctx, "charge")

	var stateErr *StateError
	require.ErrorAs(t, root.Close(nil), &stateErr)

	require.NoError(t, sub.Close(nil))
	require.NoError(t, root.Close(nil))
}

func TestSegmentOpenChildrenCounters(t *testing.T) {
	c, _ := newTestClient(t)

	ctx, root := c.BeginSegment(context.Background(), "checkout")
	ctx1, sub1 := c.BeginSubsegment(ctx, "charge")
	_, sub2 := c.BeginSubsegment(ctx1, "card-auth")

	assert.Equal(t, 2, root.OpenChildren())
	assert.Equal(t, 1, sub1.OpenChildren())

	require.NoError(t, sub2.Close(nil))
	assert.Equal(t, 1, root.OpenChildren())
	assert.Equal(t, 0, sub1.OpenChildren())

	require.NoError(t, sub1.Close(nil))
	assert.Equal(t, 0, root.OpenChildren())
	require.NoError(t, root.Close(nil))
}

func TestSegmentStreaming(t *testing.T) {
	c, sender := newTestClient(t, WithStreamingThreshold(2))

	ctx, root := c.BeginSegment(context.Background(), "batch")
	names := []string{"item-0", "item-1", "item-2"}
	for _, name := range names {
		_, sub := c.BeginSubsegment(ctx, name)
		require.NoError(t, sub.Close(nil))
	}

	// The third close pushes the tree past the threshold, so exactly one
	// subtree goes out before the root does.
	require.Equal(t, 1, sender.count())
	independent := sender.document(t, 0)
	assert.Equal(t, "subsegment", independent["type"])
	assert.Equal(t, root.TraceID, independent["trace_id"])
	assert.Equal(t, root.ID, independent["parent_id"])

	require.NoError(t, root.Close(nil))
	require.Equal(t, 2, sender.count())
	rootDoc := sender.document(t, 1)
	subs := rootDoc["subsegments"].([]interface{})
	assert.Len(t, subs, 2, "streamed subtree left the root document")
}

func TestSegmentErrorPropagation(t *testing.T) {
	c, _ := newTestClient(t)

	ctx, root := c.BeginSegment(context.Background(), "checkout")
	ctx1, sub1 := c.BeginSubsegment(ctx, "charge")
	_, sub2 := c.BeginSubsegment(ctx1, "card-auth")

	sub2.AddError(assert.AnError)

	assert.True(t, sub2.Fault)
	require.NotNil(t, sub2.Cause)
	require.Len(t, sub2.Cause.Exceptions, 1)
	origin := sub2.Cause.Exceptions[0]
	assert.False(t, origin.Remote)

	assert.Contains(t, sub1.PrecursorIDs, sub2.ID)
	assert.False(t, sub1.Fault, "only origin and root carry the fault")
	assert.Contains(t, root.PrecursorIDs, sub2.ID)

	assert.True(t, root.Fault)
	require.NotNil(t, root.Cause)
	require.Len(t, root.Cause.Exceptions, 1)
	assert.Equal(t, origin.ID, root.Cause.Exceptions[0].ID)
	assert.True(t, root.Cause.Exceptions[0].Remote)
}

func TestSegmentCloseWithError(t *testing.T) {
	c, sender := newTestClient(t)

	_, root := c.BeginSegment(context.Background(), "checkout")
	require.NoError(t, root.Close(assert.AnError))

	doc := sender.document(t, 0)
	assert.Equal(t, true, doc["fault"])
	cause := doc["cause"].(map[string]interface{})
	assert.NotEmpty(t, cause["exceptions"])
}

func TestSegmentUnsampledNeverEmits(t *testing.T) {
	sender := &memorySender{}
	c, err := New(
		WithSender(sender),
		WithSamplingStrategy(sampling.StrategyFunc(func(req *sampling.Request) *sampling.Decision {
			return &sampling.Decision{Sample: false}
		})),
		WithStreamingThreshold(1),
	)
	require.NoError(t, err)

	ctx, root := c.BeginSegment(context.Background(), "checkout")
	assert.False(t, root.Sampled)
	for i := 0; i < 3; i++ {
		_, sub := c.BeginSubsegment(ctx, "step")
		require.NoError(t, sub.Close(nil))
	}
	require.NoError(t, root.Close(nil))
	assert.Equal(t, 0, sender.count())
}

func TestSegmentAnnotations(t *testing.T) {
	c, _ := newTestClient(t)
	_, seg := c.BeginSegment(context.Background(), "checkout")
	defer seg.Close(nil)

	require.NoError(t, seg.AddAnnotation("customer", "c-42"))
	require.NoError(t, seg.AddAnnotation("attempts", 3))
	require.NoError(t, seg.AddAnnotation("fraction", 0.5))
	require.NoError(t, seg.AddAnnotation("retried", true))
	assert.Error(t, seg.AddAnnotation("bad", []string{"no"}))
	assert.Error(t, seg.AddAnnotation("worse", map[string]int{}))

	assert.Equal(t, "c-42", seg.Annotations["customer"])
}

func TestSegmentMetadata(t *testing.T) {
	c, _ := newTestClient(t)
	_, seg := c.BeginSegment(context.Background(), "checkout")
	defer seg.Close(nil)

	seg.AddMetadata("raw", []string{"anything", "goes"})
	seg.AddMetadataToNamespace("billing", "invoice", map[string]int{"total": 100})

	assert.Contains(t, seg.Metadata["default"], "raw")
	assert.Contains(t, seg.Metadata["billing"], "invoice")
}

func TestSegmentHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		error    bool
		fault    bool
		throttle bool
	}{
		{200, false, false, false},
		{404, true, false, false},
		{429, true, false, true},
		{500, false, true, false},
		{503, false, true, false},
	}
	for _, tt := range tests {
		c, _ := newTestClient(t)
		ctx, root := c.BeginSegment(context.Background(), "gateway")
		_, sub := c.BeginSubsegment(ctx, "upstream")

		sub.SetHTTPStatus(tt.status)
		assert.Equal(t, tt.error, sub.Error, "status %d", tt.status)
		assert.Equal(t, tt.fault, sub.Fault, "status %d", tt.status)
		assert.Equal(t, tt.throttle, sub.Throttle, "status %d", tt.status)
		assert.Equal(t, tt.error, root.Error, "status %d root", tt.status)
		assert.Equal(t, tt.fault, root.Fault, "status %d root", tt.status)

		sub.Close(nil)
		root.Close(nil)
	}
}

func TestSegmentSerializeOmitsBookkeeping(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, root := c.BeginSegment(context.Background(), "checkout")
	_, sub := c.BeginSubsegment(ctx, "charge")
	require.NoError(t, sub.Close(nil))

	b, err := root.Serialize()
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &doc))

	assert.Equal(t, true, doc["in_progress"])
	assert.NotContains(t, doc, "sampled")
	assert.NotContains(t, doc, "openChildren")
	assert.NotContains(t, doc, "client")
	require.NoError(t, root.Close(nil))
}

func TestSegmentRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, root := c.BeginSegment(context.Background(), "checkout")
	require.NoError(t, root.AddAnnotation("customer", "c-42"))
	root.AddMetadata("attempt", float64(2))
	_, sub := c.BeginSubsegment(ctx, "charge")
	require.NoError(t, sub.Close(nil))
	require.NoError(t, root.Close(nil))

	b, err := root.Serialize()
	require.NoError(t, err)
	var got Segment
	require.NoError(t, json.Unmarshal(b, &got))

	assert.Equal(t, root.TraceID, got.TraceID)
	assert.Equal(t, "c-42", got.Annotations["customer"])
	assert.Equal(t, float64(2), got.Metadata["default"]["attempt"])
	require.Len(t, got.Subsegments, 1)
	assert.Equal(t, "charge", got.Subsegments[0].Name)
}

func TestDefaultClient(t *testing.T) {
	sender := &memorySender{}
	require.NoError(t, Configure(
		WithSender(sender),
		WithSamplingStrategy(alwaysSample()),
	))

	ctx, root := BeginSegment(context.Background(), "checkout")
	require.NotNil(t, root)
	_, sub := BeginSubsegment(ctx, "charge")
	require.NoError(t, sub.Close(nil))
	require.NoError(t, root.Close(nil))
	assert.Equal(t, 1, sender.count())
}

func TestNilSegmentIsInert(t *testing.T) {
	c, _ := newTestClient(t)

	// A missing-context begin under the log-and-continue strategy hands
	// back a nil segment; every method must keep working untraced.
	_, seg := c.BeginSubsegment(context.Background(), "orphan")
	require.Nil(t, seg)

	assert.NotPanics(t, func() {
		assert.NoError(t, seg.AddAnnotation("count", 3))
		seg.AddMetadata("raw", "anything")
		seg.AddMetadataToNamespace("billing", "invoice", 1)
		seg.SetHTTPStatus(500)
		seg.SetSQL(&SQLData{DatabaseType: "postgres"})
		seg.AddError(assert.AnError)
		seg.AddErrorMessage("boom")

		assert.True(t, seg.Closed())
		assert.Equal(t, 0, seg.OpenChildren())
		b, err := seg.Serialize()
		assert.NoError(t, err)
		assert.Nil(t, b)
		assert.NoError(t, seg.Close(nil))
	})
}
