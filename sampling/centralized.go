package sampling

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/donetkit/contrib-log/glog"
	"github.com/google/uuid"
)

const (
	// defaultRulePollingInterval is how often rule definitions are
	// refreshed from the control plane.
	defaultRulePollingInterval = 300 * time.Second

	// defaultTargetPollingInterval is how often rule statistics are
	// reported and quota assignments fetched. The server may adjust it.
	defaultTargetPollingInterval = 10 * time.Second
)

// CentralizedStrategy decides sampling using rules and quotas polled from a
// remote control plane through the local daemon proxy, falling back to a
// LocalizedStrategy when the fetched rule set is unavailable or stale.
type CentralizedStrategy struct {
	// manifest is the list of known centralized sampling rules.
	manifest *centralizedManifest

	fallback *LocalizedStrategy
	client   *proxyClient

	// clientID identifies this process in statistics reports.
	clientID string

	logger glog.ILoggerEntry

	// Pollers run on their own timers, asynchronous to request handling.
	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	intervalMu      sync.Mutex
	targetsInterval time.Duration

	rulePollingInterval time.Duration
}

var _ Strategy = (*CentralizedStrategy)(nil)

type centralizedConfig struct {
	endpoint            url.URL
	rulePollingInterval time.Duration
	fallback            *LocalizedStrategy
	logger              glog.ILogger
}

// CentralizedOption sets configuration on the strategy.
type CentralizedOption interface {
	apply(*centralizedConfig) *centralizedConfig
}

type centralizedOptionFunc func(*centralizedConfig) *centralizedConfig

func (f centralizedOptionFunc) apply(cfg *centralizedConfig) *centralizedConfig {
	return f(cfg)
}

// WithEndpoint sets a custom proxy endpoint.
// If this option is not provided the default endpoint used will be
// http://127.0.0.1:2000.
func WithEndpoint(endpoint url.URL) CentralizedOption {
	return centralizedOptionFunc(func(cfg *centralizedConfig) *centralizedConfig {
		cfg.endpoint = endpoint
		return cfg
	})
}

// WithRulePollingInterval sets the polling interval for rule definitions.
// If this option is not provided the default interval is 300 seconds.
func WithRulePollingInterval(interval time.Duration) CentralizedOption {
	return centralizedOptionFunc(func(cfg *centralizedConfig) *centralizedConfig {
		cfg.rulePollingInterval = interval
		return cfg
	})
}

// WithFallbackStrategy sets the localized strategy consulted when no
// centralized rule can serve a request.
func WithFallbackStrategy(fallback *LocalizedStrategy) CentralizedOption {
	return centralizedOptionFunc(func(cfg *centralizedConfig) *centralizedConfig {
		cfg.fallback = fallback
		return cfg
	})
}

// WithCentralizedLogger sets custom logging for the strategy and its pollers.
func WithCentralizedLogger(l glog.ILogger) CentralizedOption {
	return centralizedOptionFunc(func(cfg *centralizedConfig) *centralizedConfig {
		cfg.logger = l
		return cfg
	})
}

// NewCentralizedStrategy returns a strategy which decides to sample a given
// request or not based on rules served by the control plane, polling rule
// definitions and sampling targets in the background.
func NewCentralizedStrategy(opts ...CentralizedOption) (*CentralizedStrategy, error) {
	defaultEndpoint, err := url.Parse("http://127.0.0.1:2000")
	if err != nil {
		return nil, err
	}
	cfg := &centralizedConfig{
		endpoint:            *defaultEndpoint,
		rulePollingInterval: defaultRulePollingInterval,
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	if cfg.rulePollingInterval <= 0 {
		return nil, fmt.Errorf("config validation error: rule polling interval should be a positive number")
	}
	if cfg.fallback == nil {
		cfg.fallback = NewLocalizedStrategy()
	}

	client, err := newProxyClient(cfg.endpoint)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &CentralizedStrategy{
		manifest:            newCentralizedManifest(),
		fallback:            cfg.fallback,
		client:              client,
		clientID:            newClientID(),
		ctx:                 ctx,
		cancel:              cancel,
		targetsInterval:     defaultTargetPollingInterval,
		rulePollingInterval: cfg.rulePollingInterval,
	}
	if cfg.logger != nil {
		s.logger = cfg.logger.WithField("CentralizedStrategy", "CentralizedStrategy")
		s.fallback.WithLogger(cfg.logger)
	}
	return s, nil
}

// newClientID derives the 24 hex character client identifier reported with
// sampling statistics.
func newClientID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return id[:24]
}

// ShouldTrace matches the request against the fetched rules and consults the
// matched rule's reservoir. The fallback strategy serves requests while the
// rule set is stale, absent, or misconfigured. The decision path never
// performs I/O.
func (s *CentralizedStrategy) ShouldTrace(req *Request) *Decision {
	s.startOnce.Do(func() {
		go s.rulePoller()
		go s.targetPoller()
	})

	if s.manifest.Expired() {
		return s.fallback.ShouldTrace(req)
	}
	rule := s.manifest.MatchFirst(req)
	if rule == nil {
		// A well-formed rule set always carries a default rule.
		if s.logger != nil {
			s.logger.Warnf("no sampling rule matched and no default rule is present, using fallback")
		}
		return s.fallback.ShouldTrace(req)
	}
	return rule.Sample(time.Now())
}

// Close stops the background pollers.
func (s *CentralizedStrategy) Close() {
	s.cancel()
}

// rulePoller refreshes rule definitions on a fixed interval with jitter.
// Failures are logged and the previous rule set is retained.
func (s *CentralizedStrategy) rulePoller() {
	s.refreshRules()

	t := newTicker(s.rulePollingInterval, 5*time.Second)
	defer t.tick.Stop()
	for {
		select {
		case <-t.c():
			s.refreshRules()
		case <-s.ctx.Done():
			return
		}
	}
}

// targetPoller reports statistics and fetches quota assignments on a short
// interval. The server's reported interval, when present, replaces the
// local one.
func (s *CentralizedStrategy) targetPoller() {
	for {
		interval := s.targetPollingInterval()
		t := newTicker(interval, 100*time.Millisecond)
		select {
		case <-t.c():
			s.refreshTargets()
		case <-s.ctx.Done():
			t.tick.Stop()
			return
		}
		t.tick.Stop()
	}
}

func (s *CentralizedStrategy) targetPollingInterval() time.Duration {
	s.intervalMu.Lock()
	defer s.intervalMu.Unlock()
	return s.targetsInterval
}

func (s *CentralizedStrategy) setTargetPollingInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.intervalMu.Lock()
	defer s.intervalMu.Unlock()
	s.targetsInterval = d
}

func (s *CentralizedStrategy) refreshRules() {
	records, err := s.client.getSamplingRules(s.ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorf("error occurred while refreshing sampling rules: %v", err)
		}
		return
	}

	props := make([]ruleProperties, 0, len(records))
	for _, rec := range records {
		if rec.SamplingRule == nil {
			continue
		}
		if rec.SamplingRule.Version != 1 {
			if s.logger != nil {
				s.logger.Warnf("skipping sampling rule %s with unsupported version %d",
					rec.SamplingRule.RuleName, rec.SamplingRule.Version)
			}
			continue
		}
		props = append(props, *rec.SamplingRule)
	}

	s.manifest.RefreshRules(props, s.targetPollingInterval())
	if s.logger != nil {
		s.logger.Debugf("successfully refreshed %d sampling rules", len(props))
	}
}

func (s *CentralizedStrategy) refreshTargets() {
	now := time.Now()
	snapshots := s.manifest.snapshots(now)
	if len(snapshots) == 0 {
		if s.logger != nil {
			s.logger.Debug("no statistics to report and not refreshing sampling targets")
		}
		return
	}

	stats := make([]*samplingStatisticsDocument, 0, len(snapshots))
	ts := float64(now.Unix())
	for name, snap := range snapshots {
		name, snap := name, snap
		stats = append(stats, &samplingStatisticsDocument{
			ClientID:     &s.clientID,
			RuleName:     &name,
			RequestCount: &snap.requests,
			SampledCount: &snap.sampled,
			BorrowCount:  &snap.borrows,
			Timestamp:    &ts,
		})
	}

	out, err := s.client.getSamplingTargets(s.ctx, stats)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorf("error occurred while refreshing sampling targets: %v", err)
		}
		return
	}

	s.manifest.LoadTargets(out.SamplingTargetDocuments, now)

	refresh := false
	for _, t := range out.SamplingTargetDocuments {
		if t.Interval != nil {
			s.setTargetPollingInterval(time.Duration(*t.Interval) * time.Second)
		}
	}
	for _, u := range out.UnprocessedStatistics {
		if u.ErrorCode == nil || u.RuleName == nil {
			continue
		}
		if s.logger != nil {
			s.logger.Warnf("error occurred updating sampling target for rule %s: %s", *u.RuleName, *u.ErrorCode)
		}
		// A 4xx for a rule means our view of the rule set is outdated.
		if strings.HasPrefix(*u.ErrorCode, "4") {
			refresh = true
		}
	}
	if out.LastRuleModification != nil {
		mod := time.Unix(int64(*out.LastRuleModification), 0)
		if mod.After(s.manifest.LastUpdated()) {
			refresh = true
		}
	}
	if refresh {
		s.refreshRules()
	}
}
