package sampling

// Request represents the parameters of an incoming unit of work used to
// make a sampling decision.
type Request struct {
	Host        string
	Method      string
	URL         string
	ServiceName string
	ServiceType string
}

// Decision contains the sampling decision and the name of the rule that
// produced it, if any.
type Decision struct {
	Sample bool
	Rule   *string
}

// Strategy provides an interface for implementing trace sampling strategies.
type Strategy interface {
	// ShouldTrace returns a sampling decision for an incoming request.
	ShouldTrace(request *Request) *Decision
}

// StrategyFunc is an adapter to allow the use of ordinary functions as
// sampling strategies.
type StrategyFunc func(request *Request) *Decision

// ShouldTrace calls s(request).
func (s StrategyFunc) ShouldTrace(request *Request) *Decision {
	return s(request)
}
