package trace

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/goccy/go-json"
)

// Segment is one timed unit of work. A root segment represents a whole
// logical operation and owns a tree of subsegments; a subsegment is any
// nested node of that tree. The zero value is not usable; segments are
// created through Client.BeginSegment and BeginSubsegment.
type Segment struct {
	TraceID      string                            `json:"trace_id,omitempty"`
	ID           string                            `json:"id"`
	Name         string                            `json:"name"`
	StartTime    float64                           `json:"start_time"`
	EndTime      float64                           `json:"end_time,omitempty"`
	InProgress   bool                              `json:"in_progress,omitempty"`
	ParentID     string                            `json:"parent_id,omitempty"`
	Type         string                            `json:"type,omitempty"`
	Origin       string                            `json:"origin,omitempty"`
	Namespace    string                            `json:"namespace,omitempty"`
	PrecursorIDs []string                          `json:"precursor_ids,omitempty"`
	Error        bool                              `json:"error,omitempty"`
	Fault        bool                              `json:"fault,omitempty"`
	Throttle     bool                              `json:"throttle,omitempty"`
	Cause        *Cause                            `json:"cause,omitempty"`
	Annotations  map[string]interface{}            `json:"annotations,omitempty"`
	Metadata     map[string]map[string]interface{} `json:"metadata,omitempty"`
	HTTP         *HTTPData                         `json:"http,omitempty"`
	SQL          *SQLData                          `json:"sql,omitempty"`
	Subsegments  []*Segment                        `json:"subsegments,omitempty"`

	// Sampled marks whether this tree is recorded at all. Unsampled trees
	// keep full context but are never emitted.
	Sampled bool `json:"-"`

	// RuleName names the sampling rule that made the decision, if any.
	RuleName string `json:"-"`

	// Bookkeeping below is never serialized. The root's mutex guards all
	// lifecycle mutation of its tree; every node reaches it through root.
	lock         sync.Mutex
	parent       *Segment
	root         *Segment
	openChildren int
	closed       bool
	flushed      bool
	totalSubs    *atomic.Int64
	client       *Client
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func newRootSegment(c *Client, name string) *Segment {
	seg := &Segment{
		TraceID:    NewTraceID(),
		ID:         NewSegmentID(),
		Name:       name,
		StartTime:  epochSeconds(time.Now()),
		InProgress: true,
		totalSubs:  atomic.NewInt64(0),
		client:     c,
	}
	seg.root = seg
	return seg
}

func newSubsegment(parent *Segment, name string) *Segment {
	root := parent.root
	root.mu().Lock()
	defer root.mu().Unlock()

	seg := &Segment{
		ID:         NewSegmentID(),
		Name:       name,
		StartTime:  epochSeconds(time.Now()),
		InProgress: true,
		ParentID:   parent.ID,
		parent:     parent,
		root:       root,
	}
	parent.Subsegments = append(parent.Subsegments, seg)
	for p := parent; p != nil; p = p.parent {
		p.openChildren++
	}
	root.totalSubs.Inc()
	return seg
}

// mu returns the tree lock. Only the root's is ever used.
func (seg *Segment) mu() *sync.Mutex {
	return &seg.root.lock
}

// Close ends the segment, recording the passed error if non-nil. Closing an
// already closed segment returns a StateError. A closed node whose
// descendants are still open stays in the tree until the last of them
// closes; its flush is deferred, not an error, unless strict close is
// configured on the client.
func (seg *Segment) Close(err error) error {
	if seg == nil {
		return nil
	}
	root := seg.root
	root.mu().Lock()

	if seg.closed {
		root.mu().Unlock()
		return &StateError{Op: "Close", ID: seg.ID, Name: seg.Name, State: "already closed"}
	}
	if seg.openChildren > 0 && root.client != nil && root.client.strictClose {
		root.mu().Unlock()
		return &StateError{
			Op: "Close", ID: seg.ID, Name: seg.Name,
			State: fmt.Sprintf("%d children still open", seg.openChildren),
		}
	}

	seg.closed = true
	seg.InProgress = false
	seg.EndTime = epochSeconds(time.Now())
	if err != nil {
		seg.addErrorLocked(err)
	}
	for p := seg.parent; p != nil; p = p.parent {
		p.openChildren--
	}

	payloads := root.collectFlushableLocked(seg)
	root.mu().Unlock()

	if root.client != nil {
		root.client.send(payloads)
	}
	return nil
}

// Closed reports whether Close has been called on this node. It queries
// only the flag: a closed node may still have open descendants.
func (seg *Segment) Closed() bool {
	if seg == nil {
		return true
	}
	seg.mu().Lock()
	defer seg.mu().Unlock()
	return seg.closed
}

// OpenChildren returns the number of not-yet-closed descendants below this
// node.
func (seg *Segment) OpenChildren() int {
	if seg == nil {
		return 0
	}
	seg.mu().Lock()
	defer seg.mu().Unlock()
	return seg.openChildren
}

// AddError records err on the segment, marks it faulted and propagates a
// copy of the captured exception to the root, leaving a precursor trail at
// every level between. It never alters the control flow of the caller.
func (seg *Segment) AddError(err error) {
	if seg == nil || err == nil {
		return
	}
	seg.mu().Lock()
	defer seg.mu().Unlock()
	seg.addErrorLocked(err)
}

// AddErrorMessage records a plain message instead of a structured
// exception.
func (seg *Segment) AddErrorMessage(msg string) {
	if seg == nil {
		return
	}
	seg.mu().Lock()
	defer seg.mu().Unlock()

	seg.Fault = true
	if seg.Cause == nil {
		seg.Cause = &Cause{WorkingDirectory: workingDirectory()}
	}
	if len(seg.Cause.Exceptions) == 0 {
		seg.Cause.Message = msg
	}
	seg.propagateLocked(Exception{ID: NewSegmentID(), Message: msg}, true)
}

func (seg *Segment) addErrorLocked(err error) {
	exc := newException(err)
	seg.Fault = true
	if seg.Cause == nil {
		seg.Cause = &Cause{WorkingDirectory: workingDirectory()}
	}
	seg.Cause.addException(exc)
	seg.propagateLocked(exc, true)
}

// propagateLocked walks to the root, appending this node's identifier as a
// precursor at each ancestor and copying the exception onto the root so the
// origin stays distinguishable from the nodes above it.
func (seg *Segment) propagateLocked(exc Exception, fault bool) {
	for p := seg.parent; p != nil; p = p.parent {
		p.PrecursorIDs = append(p.PrecursorIDs, seg.ID)
		if p.parent == nil {
			if fault {
				p.Fault = true
			}
			if p.Cause == nil {
				p.Cause = &Cause{WorkingDirectory: workingDirectory()}
			}
			remote := exc
			remote.Remote = true
			p.Cause.addException(remote)
		}
	}
}

// AddAnnotation records a queryable key with a scalar value. Non-scalar
// values are rejected.
func (seg *Segment) AddAnnotation(key string, value interface{}) error {
	if seg == nil {
		return nil
	}
	switch value.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
	default:
		return fmt.Errorf("trace: annotation %s has unsupported type %T", key, value)
	}
	seg.mu().Lock()
	defer seg.mu().Unlock()
	if seg.Annotations == nil {
		seg.Annotations = make(map[string]interface{})
	}
	seg.Annotations[key] = value
	return nil
}

// AddMetadata records a non-queryable value under the default namespace.
func (seg *Segment) AddMetadata(key string, value interface{}) {
	seg.AddMetadataToNamespace("default", key, value)
}

// AddMetadataToNamespace records a non-queryable value under an explicit
// namespace.
func (seg *Segment) AddMetadataToNamespace(namespace, key string, value interface{}) {
	if seg == nil {
		return
	}
	seg.mu().Lock()
	defer seg.mu().Unlock()
	if seg.Metadata == nil {
		seg.Metadata = make(map[string]map[string]interface{})
	}
	if seg.Metadata[namespace] == nil {
		seg.Metadata[namespace] = make(map[string]interface{})
	}
	seg.Metadata[namespace][key] = value
}

// SetHTTPStatus records the response status and classifies it: 5xx marks
// the node faulted, 429 throttled, any other 4xx errored. The
// classification also reaches the root segment's flags.
func (seg *Segment) SetHTTPStatus(status int) {
	if seg == nil {
		return
	}
	seg.mu().Lock()
	defer seg.mu().Unlock()

	if seg.HTTP == nil {
		seg.HTTP = &HTTPData{}
	}
	if seg.HTTP.Response == nil {
		seg.HTTP.Response = &ResponseData{}
	}
	seg.HTTP.Response.Status = status

	root := seg.root
	switch {
	case status >= 500:
		seg.Fault = true
		root.Fault = true
	case status == 429:
		seg.Throttle = true
		seg.Error = true
		root.Throttle = true
		root.Error = true
	case status >= 400:
		seg.Error = true
		root.Error = true
	}
}

// SetSQL attaches a database call descriptor to the segment.
func (seg *Segment) SetSQL(sql *SQLData) {
	if seg == nil {
		return
	}
	seg.mu().Lock()
	defer seg.mu().Unlock()
	seg.SQL = sql
}

// Serialize renders the node into its wire representation. Bookkeeping
// fields (counters, back-references) are not part of the wire schema.
func (seg *Segment) Serialize() ([]byte, error) {
	if seg == nil {
		return nil, nil
	}
	seg.mu().Lock()
	defer seg.mu().Unlock()
	return json.Marshal(seg)
}

// collectFlushableLocked gathers the wire payloads made eligible by the
// close of node: detached subsegment subtrees past the streaming threshold,
// and the root tree itself once it is closed with no open descendants.
func (root *Segment) collectFlushableLocked(node *Segment) [][]byte {
	if !root.Sampled {
		return nil
	}
	var payloads [][]byte

	threshold := int64(defaultStreamingThreshold)
	if root.client != nil {
		threshold = int64(root.client.streamingThreshold)
	}

	// Stream the closed subtree out of band when the tree has grown past
	// the threshold and the subtree is fully resolved.
	if node != root && node.closed && node.openChildren == 0 && root.totalSubs.Load() > threshold {
		node.detachLocked()
		if b, err := json.Marshal(node); err == nil {
			payloads = append(payloads, b)
		} else if root.client != nil {
			root.client.logSerializeError(node, err)
		}
	}

	if root.closed && !root.flushed && root.openChildren == 0 {
		root.flushed = true
		if b, err := json.Marshal(root); err == nil {
			payloads = append(payloads, b)
		} else if root.client != nil {
			root.client.logSerializeError(root, err)
		}
	}
	return payloads
}

// detachLocked removes the node from its parent's child collection while
// keeping its own subtree, and stamps the fields an independently emitted
// subsegment document needs.
func (seg *Segment) detachLocked() {
	parent := seg.parent
	for i, child := range parent.Subsegments {
		if child == seg {
			parent.Subsegments = append(parent.Subsegments[:i], parent.Subsegments[i+1:]...)
			break
		}
	}
	seg.TraceID = seg.root.TraceID
	seg.Type = "subsegment"
	seg.root.totalSubs.Sub(seg.subtreeSize())
}

func (seg *Segment) subtreeSize() int64 {
	n := int64(1)
	for _, child := range seg.Subsegments {
		n += child.subtreeSize()
	}
	return n
}
