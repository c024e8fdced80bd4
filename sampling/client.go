package sampling

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// proxyClient calls the sampling control plane through the local daemon's
// proxy API.
type proxyClient struct {
	// HTTP client for sending sampling requests to the collector.
	httpClient *http.Client

	// Resolved URL to call the rule listing API.
	samplingRulesURL string

	// Resolved URL to call the sampling targets API.
	samplingTargetsURL string
}

func newProxyClient(endpoint url.URL) (*proxyClient, error) {
	if endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("sampling: invalid proxy endpoint %q", endpoint.String())
	}
	base := endpoint.Scheme + "://" + endpoint.Host
	return &proxyClient{
		httpClient:         &http.Client{Timeout: 10 * time.Second},
		samplingRulesURL:   base + "/GetSamplingRules",
		samplingTargetsURL: base + "/SamplingTargets",
	}, nil
}

// samplingRuleRecord wraps one rule definition in the rule listing response.
type samplingRuleRecord struct {
	CreatedAt    float64         `json:"CreatedAt,omitempty"`
	ModifiedAt   float64         `json:"ModifiedAt,omitempty"`
	SamplingRule *ruleProperties `json:"SamplingRule"`
}

type getSamplingRulesInput struct {
	NextToken string `json:"NextToken,omitempty"`
}

type getSamplingRulesOutput struct {
	SamplingRuleRecords []*samplingRuleRecord `json:"SamplingRuleRecords"`
	NextToken           string                `json:"NextToken,omitempty"`
}

// samplingStatisticsDocument reports one rule's counters for the elapsed
// interval.
type samplingStatisticsDocument struct {
	ClientID     *string  `json:"ClientID"`
	RuleName     *string  `json:"RuleName"`
	RequestCount *int64   `json:"RequestCount"`
	SampledCount *int64   `json:"SampledCount"`
	BorrowCount  *int64   `json:"BorrowCount"`
	Timestamp    *float64 `json:"Timestamp"`
}

// samplingTargetDocument carries a per-rule quota assignment from the
// control plane.
type samplingTargetDocument struct {
	FixedRate         *float64 `json:"FixedRate,omitempty"`
	Interval          *int64   `json:"Interval,omitempty"`
	ReservoirQuota    *int64   `json:"ReservoirQuota,omitempty"`
	ReservoirQuotaTTL *float64 `json:"ReservoirQuotaTTL,omitempty"`
	RuleName          *string  `json:"RuleName,omitempty"`
}

type unprocessedStatistics struct {
	ErrorCode *string `json:"ErrorCode,omitempty"`
	Message   *string `json:"Message,omitempty"`
	RuleName  *string `json:"RuleName,omitempty"`
}

type getSamplingTargetsInput struct {
	SamplingStatisticsDocuments []*samplingStatisticsDocument `json:"SamplingStatisticsDocuments"`
}

type getSamplingTargetsOutput struct {
	LastRuleModification    *float64                  `json:"LastRuleModification,omitempty"`
	SamplingTargetDocuments []*samplingTargetDocument `json:"SamplingTargetDocuments,omitempty"`
	UnprocessedStatistics   []*unprocessedStatistics  `json:"UnprocessedStatistics,omitempty"`
}

// getSamplingRules fetches all sampling rule definitions, following
// pagination tokens.
func (c *proxyClient) getSamplingRules(ctx context.Context) ([]*samplingRuleRecord, error) {
	var (
		records []*samplingRuleRecord
		token   string
	)
	for {
		out := &getSamplingRulesOutput{}
		if err := c.post(ctx, c.samplingRulesURL, &getSamplingRulesInput{NextToken: token}, out); err != nil {
			return nil, errors.Wrap(err, "get sampling rules")
		}
		records = append(records, out.SamplingRuleRecords...)
		if out.NextToken == "" {
			return records, nil
		}
		token = out.NextToken
	}
}

// getSamplingTargets reports rule statistics and fetches quota assignments.
func (c *proxyClient) getSamplingTargets(ctx context.Context, stats []*samplingStatisticsDocument) (*getSamplingTargetsOutput, error) {
	out := &getSamplingTargetsOutput{}
	in := &getSamplingTargetsInput{SamplingStatisticsDocuments: stats}
	if err := c.post(ctx, c.samplingTargetsURL, in, out); err != nil {
		return nil, errors.Wrap(err, "get sampling targets")
	}
	return out, nil
}

func (c *proxyClient) post(ctx context.Context, rawURL string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("proxy returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
