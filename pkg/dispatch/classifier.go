package dispatch

import (
	"context"
	"strings"
	"sync"

	"github.com/syntor/relay/pkg/models"
)

// Intent is a classifier's verdict on where a request should go
type Intent struct {
	TargetIDs  []string        `json:"target_ids"`
	Priority   models.Priority `json:"priority"`
	Confidence float64         `json:"confidence"`
}

// Classifier maps raw input to an Intent. Errors are treated by the
// dispatcher as an unknown intent.
type Classifier interface {
	Classify(ctx context.Context, input string, reqContext map[string]interface{}) (Intent, error)
}

// ClassifierFunc adapts a function to Classifier
type ClassifierFunc func(ctx context.Context, input string, reqContext map[string]interface{}) (Intent, error)

func (f ClassifierFunc) Classify(ctx context.Context, input string, reqContext map[string]interface{}) (Intent, error) {
	return f(ctx, input, reqContext)
}

// Rule sends inputs containing any of Keywords to Targets
type Rule struct {
	Name     string          `yaml:"name" json:"name"`
	Keywords []string        `yaml:"keywords" json:"keywords"`
	Targets  []string        `yaml:"targets" json:"targets"`
	Priority models.Priority `yaml:"priority" json:"priority"`
}

// TargetContextKey in a request context names an explicit target and
// bypasses keyword matching
const TargetContextKey = "target"

// KeywordClassifier matches inputs against keyword rules. Every matching
// rule contributes its targets (first match first) and the highest rule
// priority wins.
type KeywordClassifier struct {
	rules []Rule
	mu    sync.RWMutex
}

// NewKeywordClassifier creates a classifier over rules
func NewKeywordClassifier(rules []Rule) *KeywordClassifier {
	c := &KeywordClassifier{}
	c.SetRules(rules)
	return c
}

// SetRules replaces the rule set
func (c *KeywordClassifier) SetRules(rules []Rule) {
	normalized := make([]Rule, len(rules))
	for i, r := range rules {
		r.Keywords = lowerAll(r.Keywords)
		normalized[i] = r
	}

	c.mu.Lock()
	c.rules = normalized
	c.mu.Unlock()
}

// Rules returns a copy of the rule set
func (c *KeywordClassifier) Rules() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Classify implements Classifier
func (c *KeywordClassifier) Classify(ctx context.Context, input string, reqContext map[string]interface{}) (Intent, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, err
	}

	if target, ok := reqContext[TargetContextKey].(string); ok && target != "" {
		return Intent{TargetIDs: []string{target}, Confidence: 1}, nil
	}

	text := strings.ToLower(input)
	var intent Intent
	hits := 0

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, rule := range c.rules {
		if !containsAny(text, rule.Keywords) {
			continue
		}
		hits++
		intent.TargetIDs = appendUnique(intent.TargetIDs, rule.Targets...)
		if rule.Priority > intent.Priority {
			intent.Priority = rule.Priority
		}
	}

	if hits > 0 {
		intent.Confidence = float64(hits) / float64(hits+1)
	}
	return intent, nil
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(text, k) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		seen := false
		for _, d := range dst {
			if d == v {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, v)
		}
	}
	return dst
}
