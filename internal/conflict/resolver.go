// Package conflict picks one proposal out of several competing agent
// proposals for the same decision point.
package conflict

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/nidhogg/nuka-tasks/internal/model"
)

// DefaultMinConfidence is the lowest confidence a proposal may carry.
const DefaultMinConfidence = 0.5

// DefaultQualityKeywords raise a rationale's score.
var DefaultQualityKeywords = []string{
	"verified", "confirmed", "tested", "audited", "optimal",
	"lowest", "liquidity", "slippage", "guaranteed", "measured",
}

// DefaultVagueKeywords lower a rationale's score.
var DefaultVagueKeywords = []string{
	"maybe", "probably", "perhaps", "might", "guess",
	"unclear", "unsure", "somehow", "possibly",
}

// Resolver validates and ranks proposals. It holds no mutable state; one
// Resolver may be shared by concurrent callers.
type Resolver struct {
	minConfidence float64
	quality       []string
	vague         []string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMinConfidence overrides DefaultMinConfidence.
func WithMinConfidence(min float64) Option {
	return func(r *Resolver) { r.minConfidence = min }
}

// WithQualityKeywords replaces the quality keyword list.
func WithQualityKeywords(words ...string) Option {
	return func(r *Resolver) { r.quality = lower(words) }
}

// WithVagueKeywords replaces the vague keyword list.
func WithVagueKeywords(words ...string) Option {
	return func(r *Resolver) { r.vague = lower(words) }
}

// New creates a Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		minConfidence: DefaultMinConfidence,
		quality:       lower(DefaultQualityKeywords),
		vague:         lower(DefaultVagueKeywords),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func lower(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			out = append(out, w)
		}
	}
	return out
}

// MinConfidence reports the configured confidence floor.
func (r *Resolver) MinConfidence() float64 { return r.minConfidence }

// Rejection records why a proposal was excluded from ranking.
type Rejection struct {
	Proposal *model.Proposal `json:"proposal"`
	Reason   string          `json:"reason"`
}

// Resolution is the full outcome of one resolve call.
type Resolution struct {
	Winner   *model.Proposal   `json:"winner"`
	Ranked   []*model.Proposal `json:"ranked"`
	Rejected []Rejection       `json:"rejected,omitempty"`
	// Scores holds the rationale scores of the tied leaders, parallel to
	// the head of Ranked, when a tie-break was needed.
	Scores []float64 `json:"scores,omitempty"`
}

var (
	errNoAction   = errors.New("missing action")
	errNoParams   = errors.New("missing params")
	errConfidence = errors.New("confidence out of range")
	errCost       = errors.New("negative estimated cost")
	errTime       = errors.New("estimated time must be positive")
)

// Validate reports the first bound p violates, or nil.
func (r *Resolver) Validate(p *model.Proposal) error {
	switch {
	case p == nil:
		return errors.New("nil proposal")
	case p.Action == "":
		return errNoAction
	case p.Params == nil:
		return errNoParams
	case !(p.Confidence >= r.minConfidence) || p.Confidence > 1:
		return fmt.Errorf("%w: %.2f not in [%.2f, 1]", errConfidence, p.Confidence, r.minConfidence)
	case !(p.EstimatedCost >= 0):
		return fmt.Errorf("%w: %v", errCost, p.EstimatedCost)
	case p.EstimatedTime <= 0:
		return fmt.Errorf("%w: %s", errTime, p.EstimatedTime)
	}
	return nil
}

// Evaluate validates, ranks, and tie-breaks proposals.
func (r *Resolver) Evaluate(proposals []*model.Proposal) (*Resolution, error) {
	res := &Resolution{}
	var valid []*model.Proposal
	for _, p := range proposals {
		if err := r.Validate(p); err != nil {
			res.Rejected = append(res.Rejected, Rejection{Proposal: p, Reason: err.Error()})
			continue
		}
		valid = append(valid, p)
	}

	switch len(valid) {
	case 0:
		return res, model.ErrNoValidProposals
	case 1:
		res.Winner = valid[0]
		res.Ranked = valid
		return res, nil
	}

	sort.SliceStable(valid, func(i, j int) bool { return less(valid[i], valid[j]) })
	res.Ranked = valid

	tied := 1
	for tied < len(valid) && sameMetrics(valid[0], valid[tied]) {
		tied++
	}
	if tied == 1 {
		res.Winner = valid[0]
		return res, nil
	}

	res.Scores = make([]float64, tied)
	best, bestScore := 0, -1.0
	for i := 0; i < tied; i++ {
		s := r.Score(valid[i].Rationale)
		res.Scores[i] = s
		if s > bestScore {
			best, bestScore = i, s
		}
	}
	res.Winner = valid[best]
	return res, nil
}

// Resolve returns the winning proposal. Inputs are never modified.
func (r *Resolver) Resolve(proposals []*model.Proposal) (*model.Proposal, error) {
	res, err := r.Evaluate(proposals)
	if err != nil {
		return nil, err
	}
	return res.Winner, nil
}

func less(a, b *model.Proposal) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.EstimatedCost != b.EstimatedCost {
		return a.EstimatedCost < b.EstimatedCost
	}
	if a.EstimatedTime != b.EstimatedTime {
		return a.EstimatedTime < b.EstimatedTime
	}
	return a.Agent < b.Agent
}

func sameMetrics(a, b *model.Proposal) bool {
	return a.Confidence == b.Confidence &&
		a.EstimatedCost == b.EstimatedCost &&
		a.EstimatedTime == b.EstimatedTime
}

// Score rates a rationale: a tenth of a point per character (capped at 50),
// plus 5 per quality keyword and minus 3 per vague keyword present,
// floored at zero.
func (r *Resolver) Score(rationale string) float64 {
	score := math.Min(float64(utf8.RuneCountInString(rationale))/10, 50)
	text := strings.ToLower(rationale)
	for _, w := range r.quality {
		if strings.Contains(text, w) {
			score += 5
		}
	}
	for _, w := range r.vague {
		if strings.Contains(text, w) {
			score -= 3
		}
	}
	if score < 0 {
		return 0
	}
	return score
}
