package sampling

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/donetkit/contrib-log/glog"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/donetkit/tracekit/utils/wildcard"
)

// RuleDocument is a statically configured rule set, sharing its schema with
// the control plane's rule listing. A well-formed document carries exactly
// one default rule.
type RuleDocument struct {
	Version int               `json:"version" yaml:"version"`
	Default *RuleDefinition   `json:"default" yaml:"default"`
	Rules   []*RuleDefinition `json:"rules" yaml:"rules"`
}

// RuleDefinition is one rule of a RuleDocument. The default rule carries
// only FixedTarget and Rate; every other rule also carries matchers.
type RuleDefinition struct {
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Host        string  `json:"host,omitempty" yaml:"host,omitempty"`
	ServiceName string  `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	HTTPMethod  string  `json:"http_method,omitempty" yaml:"http_method,omitempty"`
	URLPath     string  `json:"url_path,omitempty" yaml:"url_path,omitempty"`
	FixedTarget int64   `json:"fixed_target" yaml:"fixed_target"`
	Rate        float64 `json:"rate" yaml:"rate"`
}

// defaultRuleDocument is the rule set used when the caller supplies none:
// one trace per second plus five percent of additional requests.
func defaultRuleDocument() *RuleDocument {
	return &RuleDocument{
		Version: 2,
		Default: &RuleDefinition{FixedTarget: 1, Rate: 0.05},
	}
}

// localRule pairs a rule definition with its reservoir.
type localRule struct {
	def       *RuleDefinition
	reservoir *reservoir
}

func (r *localRule) match(req *Request) bool {
	if req == nil {
		return false
	}
	host := r.def.Host
	if host == "" {
		// Version 1 documents matched on service_name in place of host.
		host = r.def.ServiceName
	}
	return wildcard.Match(host, req.Host) &&
		wildcard.MatchCaseSensitive(r.def.HTTPMethod, req.Method) &&
		wildcard.Match(r.def.URLPath, req.URL)
}

// LocalizedStrategy makes trace sampling decisions based on a statically
// configured rule document. It is the fallback path when centralized
// sampling is unavailable or disabled.
type LocalizedStrategy struct {
	defaultRule *localRule
	rules       []*localRule

	randMu sync.Mutex
	rand   *rand.Rand
	logger glog.ILoggerEntry
}

// NewLocalizedStrategy returns a LocalizedStrategy using the built-in
// default rule set.
func NewLocalizedStrategy() *LocalizedStrategy {
	s, err := NewLocalizedStrategyFromDocument(defaultRuleDocument())
	if err != nil {
		// The built-in document is well formed.
		panic(err)
	}
	return s
}

// NewLocalizedStrategyFromFilePath loads a rule document from a JSON or
// YAML file.
func NewLocalizedStrategyFromFilePath(path string) (*LocalizedStrategy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "sampling: read rule document %s", path)
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		doc := &RuleDocument{}
		if err := yaml.Unmarshal(b, doc); err != nil {
			return nil, configErrorf("invalid yaml rule document %s: %v", path, err)
		}
		return NewLocalizedStrategyFromDocument(doc)
	default:
		return NewLocalizedStrategyFromBytes(b)
	}
}

// NewLocalizedStrategyFromBytes loads an in-memory rule document. JSON and
// YAML encodings are both accepted.
func NewLocalizedStrategyFromBytes(b []byte) (*LocalizedStrategy, error) {
	doc := &RuleDocument{}
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte("{")) {
		if err := json.Unmarshal(b, doc); err != nil {
			return nil, configErrorf("invalid json rule document: %v", err)
		}
	} else {
		if err := yaml.Unmarshal(b, doc); err != nil {
			return nil, configErrorf("invalid yaml rule document: %v", err)
		}
	}
	return NewLocalizedStrategyFromDocument(doc)
}

// NewLocalizedStrategyFromDocument validates the passed document and builds
// a strategy from it.
func NewLocalizedStrategyFromDocument(doc *RuleDocument) (*LocalizedStrategy, error) {
	if err := validateRuleDocument(doc); err != nil {
		return nil, err
	}
	s := &LocalizedStrategy{
		defaultRule: &localRule{
			def:       doc.Default,
			reservoir: newReservoir(doc.Default.FixedTarget, 0),
		},
		rand: newGlobalRand(),
	}
	for _, def := range doc.Rules {
		s.rules = append(s.rules, &localRule{
			def:       def,
			reservoir: newReservoir(def.FixedTarget, 0),
		})
	}
	return s, nil
}

// WithLogger attaches a logger used for sampling diagnostics.
func (s *LocalizedStrategy) WithLogger(logger glog.ILogger) *LocalizedStrategy {
	if logger != nil {
		s.logger = logger.WithField("LocalizedStrategy", "LocalizedStrategy")
	}
	return s
}

// ShouldTrace evaluates the rule set in document order, first match wins,
// falling through to the default rule.
func (s *LocalizedStrategy) ShouldTrace(req *Request) *Decision {
	now := time.Now()
	for _, r := range s.rules {
		if r.match(req) {
			return s.sample(r, now)
		}
	}
	return s.sample(s.defaultRule, now)
}

func (s *LocalizedStrategy) sample(r *localRule, now time.Time) *Decision {
	if sampled, _ := r.reservoir.Take(now.Unix(), false); sampled {
		return &Decision{Sample: true}
	}
	s.randMu.Lock()
	roll := s.rand.Float64()
	s.randMu.Unlock()
	return &Decision{Sample: roll < r.def.Rate}
}

func validateRuleDocument(doc *RuleDocument) error {
	if doc == nil {
		return configErrorf("rule document is nil")
	}
	if doc.Version != 1 && doc.Version != 2 {
		return configErrorf("unsupported rule document version %d", doc.Version)
	}
	if doc.Default == nil {
		return configErrorf("rule document is missing a default rule")
	}
	if doc.Default.Host != "" || doc.Default.ServiceName != "" ||
		doc.Default.HTTPMethod != "" || doc.Default.URLPath != "" {
		return configErrorf("default rule must not carry matchers")
	}
	if doc.Default.FixedTarget < 0 || doc.Default.Rate < 0 {
		return configErrorf("default rule has negative sampling values")
	}
	for i, r := range doc.Rules {
		if r == nil {
			return configErrorf("rule %d is empty", i)
		}
		switch doc.Version {
		case 2:
			if r.Host == "" || r.HTTPMethod == "" || r.URLPath == "" {
				return configErrorf("rule %d is missing host, http_method or url_path", i)
			}
		case 1:
			if r.ServiceName == "" || r.HTTPMethod == "" || r.URLPath == "" {
				return configErrorf("rule %d is missing service_name, http_method or url_path", i)
			}
		}
		if r.FixedTarget < 0 || r.Rate < 0 {
			return configErrorf("rule %d has negative sampling values", i)
		}
	}
	return nil
}
