package sampling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProxy serves the rule listing and targets APIs the way the local
// daemon's proxy does.
type fakeProxy struct {
	mu          sync.Mutex
	rules       getSamplingRulesOutput
	targets     getSamplingTargetsOutput
	ruleCalls   int
	targetCalls int
	statsSeen   []*samplingStatisticsDocument
}

func (p *fakeProxy) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/GetSamplingRules", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.ruleCalls++
		json.NewEncoder(w).Encode(p.rules)
	})
	mux.HandleFunc("/SamplingTargets", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.targetCalls++
		in := getSamplingTargetsInput{}
		json.NewDecoder(r.Body).Decode(&in)
		p.statsSeen = append(p.statsSeen, in.SamplingStatisticsDocuments...)
		json.NewEncoder(w).Encode(p.targets)
	})
	return mux
}

func ruleRecord(name string, priority int64) *samplingRuleRecord {
	p := testRule(name, priority)
	return &samplingRuleRecord{SamplingRule: &p}
}

func TestProxyClientGetSamplingRules(t *testing.T) {
	proxy := &fakeProxy{
		rules: getSamplingRulesOutput{
			SamplingRuleRecords: []*samplingRuleRecord{
				ruleRecord(defaultRuleName, 10000),
				ruleRecord("api", 5),
			},
		},
	}
	srv := httptest.NewServer(proxy.handler())
	defer srv.Close()

	endpoint, err := url.Parse(srv.URL)
	require.NoError(t, err)
	client, err := newProxyClient(*endpoint)
	require.NoError(t, err)

	records, err := client.getSamplingRules(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestCentralizedStrategyRefreshAndSample(t *testing.T) {
	proxy := &fakeProxy{
		rules: getSamplingRulesOutput{
			SamplingRuleRecords: []*samplingRuleRecord{
				ruleRecord(defaultRuleName, 10000),
			},
		},
	}
	srv := httptest.NewServer(proxy.handler())
	defer srv.Close()

	endpoint, _ := url.Parse(srv.URL)
	s, err := NewCentralizedStrategy(WithEndpoint(*endpoint))
	require.NoError(t, err)
	defer s.Close()

	s.refreshRules()
	assert.False(t, s.manifest.Expired())

	d := s.manifest.MatchFirst(&Request{Host: "h", Method: "GET", URL: "/"}).Sample(time.Now())
	require.NotNil(t, d.Rule)
	assert.Equal(t, defaultRuleName, *d.Rule)
}

func TestCentralizedStrategyFallsBackWhenExpired(t *testing.T) {
	endpoint, _ := url.Parse("http://127.0.0.1:2000")
	s, err := NewCentralizedStrategy(WithEndpoint(*endpoint))
	require.NoError(t, err)
	s.cancel() // keep the pollers from doing real network I/O

	d := s.ShouldTrace(&Request{Host: "h", Method: "GET", URL: "/"})
	require.NotNil(t, d)
	assert.Nil(t, d.Rule, "fallback decisions carry no rule name")
}

func TestCentralizedStrategyPollFailureRetainsCache(t *testing.T) {
	proxy := &fakeProxy{
		rules: getSamplingRulesOutput{
			SamplingRuleRecords: []*samplingRuleRecord{ruleRecord(defaultRuleName, 10000)},
		},
	}
	srv := httptest.NewServer(proxy.handler())

	endpoint, _ := url.Parse(srv.URL)
	s, err := NewCentralizedStrategy(WithEndpoint(*endpoint))
	require.NoError(t, err)
	defer s.Close()

	s.refreshRules()
	require.False(t, s.manifest.Expired())
	before := s.manifest.LastUpdated()

	// Control plane goes away; the last good rule set stays in place.
	srv.Close()
	s.refreshRules()
	assert.Equal(t, before, s.manifest.LastUpdated())
	assert.NotNil(t, s.manifest.MatchFirst(&Request{Host: "h", Method: "GET", URL: "/"}))
}

func TestCentralizedStrategyReportsStatistics(t *testing.T) {
	quota := int64(5)
	ttl := float64(time.Now().Unix() + 60)
	name := defaultRuleName
	interval := int64(30)
	proxy := &fakeProxy{
		rules: getSamplingRulesOutput{
			SamplingRuleRecords: []*samplingRuleRecord{ruleRecord(defaultRuleName, 10000)},
		},
		targets: getSamplingTargetsOutput{
			SamplingTargetDocuments: []*samplingTargetDocument{{
				RuleName:          &name,
				ReservoirQuota:    &quota,
				ReservoirQuotaTTL: &ttl,
				Interval:          &interval,
			}},
		},
	}
	srv := httptest.NewServer(proxy.handler())
	defer srv.Close()

	endpoint, _ := url.Parse(srv.URL)
	s, err := NewCentralizedStrategy(WithEndpoint(*endpoint))
	require.NoError(t, err)
	defer s.Close()

	s.refreshRules()
	rule := s.manifest.MatchFirst(&Request{Host: "h", Method: "GET", URL: "/"})
	require.NotNil(t, rule)
	rule.Sample(time.Now())

	s.refreshTargets()

	proxy.mu.Lock()
	defer proxy.mu.Unlock()
	require.NotEmpty(t, proxy.statsSeen)
	stat := proxy.statsSeen[0]
	assert.Equal(t, defaultRuleName, *stat.RuleName)
	assert.Equal(t, int64(1), *stat.RequestCount)
	assert.Len(t, *stat.ClientID, 24)

	// The server's reported interval replaces the local one.
	assert.Equal(t, 30*time.Second, s.targetPollingInterval())
	assert.True(t, rule.reservoir.quotaFresh(time.Now().Unix()))
}

func TestCentralizedStrategyDecisionPathDoesNotBlock(t *testing.T) {
	endpoint, _ := url.Parse("http://127.0.0.1:1") // nothing listens here
	s, err := NewCentralizedStrategy(WithEndpoint(*endpoint))
	require.NoError(t, err)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		s.ShouldTrace(&Request{Host: "h", Method: "GET", URL: "/"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ShouldTrace blocked on poller I/O")
	}
}
