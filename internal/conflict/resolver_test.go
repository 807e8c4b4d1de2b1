package conflict

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/nidhogg/nuka-tasks/internal/model"
)

func proposal(agent string, conf, cost float64, d time.Duration, rationale string) *model.Proposal {
	return &model.Proposal{
		Action:        "swap",
		Params:        map[string]any{"amount": 1},
		Confidence:    conf,
		EstimatedCost: cost,
		EstimatedTime: d,
		Agent:         agent,
		Rationale:     rationale,
	}
}

func TestResolveEmpty(t *testing.T) {
	_, err := New().Resolve(nil)
	require.ErrorIs(t, err, model.ErrNoValidProposals)
	assert.Equal(t, "no valid proposals", err.Error())
}

func TestResolveSingleReturnedUnmodified(t *testing.T) {
	p := proposal("solo", 0.9, 3, time.Second, "maybe")
	before := *p

	got, err := New().Resolve([]*model.Proposal{p})
	require.NoError(t, err)
	assert.Same(t, p, got)
	assert.Equal(t, before, *got)
}

func TestResolveAllInvalid(t *testing.T) {
	res, err := New().Evaluate([]*model.Proposal{
		proposal("low", 0.2, 1, time.Second, ""),
		{Agent: "empty", Confidence: 0.9, EstimatedTime: time.Second},
	})
	require.ErrorIs(t, err, model.ErrNoValidProposals)
	require.Len(t, res.Rejected, 2)
	assert.Contains(t, res.Rejected[0].Reason, "confidence")
	assert.Equal(t, "missing action", res.Rejected[1].Reason)
}

func TestValidate(t *testing.T) {
	r := New()
	cases := []struct {
		name string
		p    *model.Proposal
		ok   bool
	}{
		{"valid", proposal("a", 0.5, 0, time.Millisecond, ""), true},
		{"nil", nil, false},
		{"no params", &model.Proposal{Action: "x", Confidence: 0.9, EstimatedTime: time.Second}, false},
		{"confidence above one", proposal("a", 1.5, 0, time.Second, ""), false},
		{"confidence below minimum", proposal("a", 0.49, 0, time.Second, ""), false},
		{"negative cost", proposal("a", 0.9, -1, time.Second, ""), false},
		{"zero time", proposal("a", 0.9, 0, 0, ""), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Validate(tc.p)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateCustomMinimum(t *testing.T) {
	r := New(WithMinConfidence(0.9))
	assert.Error(t, r.Validate(proposal("a", 0.8, 0, time.Second, "")))
	assert.NoError(t, r.Validate(proposal("a", 0.95, 0, time.Second, "")))
}

func TestRankingOrder(t *testing.T) {
	res, err := New().Evaluate([]*model.Proposal{
		proposal("slow", 0.9, 5, 9*time.Second, ""),
		proposal("cheap", 0.9, 1, 9*time.Second, ""),
		proposal("confident", 0.95, 50, 60*time.Second, ""),
		proposal("fast", 0.9, 5, time.Second, ""),
	})
	require.NoError(t, err)

	var order []string
	for _, p := range res.Ranked {
		order = append(order, p.Agent)
	}
	assert.Equal(t, []string{"confident", "cheap", "fast", "slow"}, order)
	assert.Equal(t, "confident", res.Winner.Agent)
	assert.Nil(t, res.Scores)
}

// Two proposals tied on every metric.
func TestTieBreakByRationale(t *testing.T) {
	r := New()
	p1 := proposal("a", 0.8, 10, 5*time.Second, "maybe this works")
	p2 := proposal("b", 0.8, 10, 5*time.Second, "verified route with audited contracts and lowest slippage")

	got, err := r.Resolve([]*model.Proposal{p1, p2})
	require.NoError(t, err)
	assert.Equal(t, "b", got.Agent)

	got, err = r.Resolve([]*model.Proposal{p2, p1})
	require.NoError(t, err)
	assert.Equal(t, "b", got.Agent, "input order must not matter")
}

func TestTieBreakFallsBackToAgentName(t *testing.T) {
	r := New()
	p1 := proposal("a", 0.8, 10, 5*time.Second, "same")
	p2 := proposal("b", 0.8, 10, 5*time.Second, "same")

	for _, in := range [][]*model.Proposal{{p1, p2}, {p2, p1}} {
		res, err := r.Evaluate(in)
		require.NoError(t, err)
		assert.Equal(t, "a", res.Winner.Agent)
		assert.Equal(t, []float64{0.4, 0.4}, res.Scores)
	}
}

func TestTieGroupExcludesWorseMetrics(t *testing.T) {
	res, err := New().Evaluate([]*model.Proposal{
		proposal("a", 0.8, 10, 5*time.Second, "short"),
		proposal("b", 0.8, 10, 5*time.Second, "short"),
		proposal("c", 0.8, 11, 5*time.Second, "verified confirmed tested audited optimal and measured"),
	})
	require.NoError(t, err)
	assert.Equal(t, "a", res.Winner.Agent)
	assert.Len(t, res.Scores, 2, "c is not part of the tie group")
}

func TestTieBreakPrefersLongerRationale(t *testing.T) {
	short := proposal("a", 0.8, 10, 5*time.Second, "fifteen runes.!")
	long := proposal("b", 0.8, 10, 5*time.Second, "nineteen runes here")

	res, err := New().Evaluate([]*model.Proposal{short, long})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Winner.Agent)
	assert.InDeltaSlice(t, []float64{1.5, 1.9}, res.Scores, 1e-9)
}

func TestTieScoresFromSameAgentKeptApart(t *testing.T) {
	p1 := proposal("a", 0.8, 10, 5*time.Second, "short")
	p2 := proposal("a", 0.8, 10, 5*time.Second, "verified route")

	res, err := New().Evaluate([]*model.Proposal{p1, p2})
	require.NoError(t, err)
	require.Len(t, res.Scores, 2)
	assert.Same(t, p2, res.Winner)
	assert.InDelta(t, 0.5, res.Scores[0], 1e-9)
	assert.InDelta(t, 6.4, res.Scores[1], 1e-9)
}

func TestScore(t *testing.T) {
	r := New()
	cases := []struct {
		rationale string
		want      float64
	}{
		{"", 0},
		{"0123456789", 1},
		{"fifteen runes.!", 1.5},
		{"nineteen runes here", 1.9},
		{"Verified", 0.8 + 5},
		{"maybe", 0},
		{"verified but maybe", 1.8 + 5 - 3},
		{"héllo wörld", 1.1},
		{string(make([]byte, 1000)), 50},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, r.Score(tc.rationale), 1e-9, "rationale %q", tc.rationale)
	}
}

func TestScoreCustomKeywords(t *testing.T) {
	r := New(WithQualityKeywords("Solid"), WithVagueKeywords())
	assert.InDelta(t, 5.5, r.Score("solid"), 1e-9)
	assert.InDelta(t, 0.5, r.Score("maybe"), 1e-9)
}

func TestPropertyResolveIsPure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(t, "n")
		in := make([]*model.Proposal, n)
		for i := range in {
			in[i] = proposal(
				fmt.Sprintf("agent-%d", rapid.IntRange(0, 3).Draw(t, "agent")),
				float64(rapid.IntRange(0, 10).Draw(t, "conf"))/10,
				float64(rapid.IntRange(-1, 3).Draw(t, "cost")),
				time.Duration(rapid.IntRange(0, 3).Draw(t, "time"))*time.Second,
				rapid.SampledFrom([]string{"", "maybe", "verified", "verified and tested plan"}).Draw(t, "rationale"),
			)
		}
		snapshot := make([]model.Proposal, n)
		for i, p := range in {
			snapshot[i] = *p
		}

		r := New()
		first, err1 := r.Resolve(in)
		second, err2 := r.Resolve(in)

		if (err1 == nil) != (err2 == nil) {
			t.Fatalf("errors differ: %v vs %v", err1, err2)
		}
		if first != second {
			t.Fatalf("winners differ: %+v vs %+v", first, second)
		}
		for i, p := range in {
			if p.Agent != snapshot[i].Agent || p.Confidence != snapshot[i].Confidence {
				t.Fatalf("input %d mutated", i)
			}
		}
		if err1 == nil && r.Validate(first) != nil {
			t.Fatalf("winner %+v is invalid", first)
		}
	})
}
