package athanor

import (
	"context"
	"math"
	"strings"
)

// DefaultConvergenceThreshold is the consensus score a round must reach.
const DefaultConvergenceThreshold = 0.8

// defaultConsensusCues are the phrases the cue detector looks for.
var defaultConsensusCues = []string{
	"i agree",
	"agreed",
	"we have consensus",
	"consensus reached",
	"no further objections",
	"nothing to add",
	"aligned on this",
}

// Embedder turns texts into vectors. The council injects it from the storage
// layer when similarity-based convergence is wanted; the engine itself never
// talks to an embedding backend.
type Embedder func(ctx context.Context, texts []string) ([][]float32, error)

// Convergence scores a council round's agent messages. The rule is
// deterministic and stateless: either the fraction of messages containing a
// consensus cue phrase, or the mean pairwise cosine similarity of their
// embeddings.
type Convergence struct {
	threshold float64
	cues      []string
	embedder  Embedder
}

// ConvergenceOption configures a Convergence detector.
type ConvergenceOption func(*Convergence)

// WithThreshold overrides the consensus threshold.
func WithThreshold(t float64) ConvergenceOption {
	return func(c *Convergence) {
		if t > 0 {
			c.threshold = t
		}
	}
}

// WithCues replaces the cue phrase set. Phrases match case-insensitively as
// substrings.
func WithCues(cues ...string) ConvergenceOption {
	return func(c *Convergence) {
		c.cues = make([]string, len(cues))
		for i, cue := range cues {
			c.cues[i] = strings.ToLower(cue)
		}
	}
}

// WithEmbedder switches the detector to embedding similarity.
func WithEmbedder(e Embedder) ConvergenceOption {
	return func(c *Convergence) { c.embedder = e }
}

// NewConvergence builds a detector. Without an embedder it runs in cue mode.
func NewConvergence(opts ...ConvergenceOption) *Convergence {
	c := &Convergence{
		threshold: DefaultConvergenceThreshold,
		cues:      defaultConsensusCues,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Threshold returns the configured consensus threshold.
func (c *Convergence) Threshold() float64 { return c.threshold }

// Score computes the round's convergence in [0, 1].
func (c *Convergence) Score(ctx context.Context, msgs []Message) (float64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	if c.embedder != nil {
		return c.similarityScore(ctx, msgs)
	}
	return c.cueScore(msgs), nil
}

// Converged reports whether score meets the threshold.
func (c *Convergence) Converged(score float64) bool {
	return score >= c.threshold
}

// cueScore is the fraction of messages containing a consensus cue.
func (c *Convergence) cueScore(msgs []Message) float64 {
	hits := 0
	for _, m := range msgs {
		text := strings.ToLower(m.TextContent())
		for _, cue := range c.cues {
			if strings.Contains(text, cue) {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(msgs))
}

// similarityScore is the mean pairwise cosine similarity of the messages,
// clamped to [0, 1]. A single message scores zero; one voice is not
// consensus.
func (c *Convergence) similarityScore(ctx context.Context, msgs []Message) (float64, error) {
	if len(msgs) < 2 {
		return 0, nil
	}
	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.TextContent()
	}
	vecs, err := c.embedder(ctx, texts)
	if err != nil {
		return 0, &Error{Kind: KindInternal, Message: "embedding failed", Err: err}
	}
	if len(vecs) != len(texts) {
		return 0, E(KindInternal, "embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}
	var sum float64
	pairs := 0
	for i := 0; i < len(vecs); i++ {
		for j := i + 1; j < len(vecs); j++ {
			sum += cosine(vecs[i], vecs[j])
			pairs++
		}
	}
	score := sum / float64(pairs)
	return math.Max(0, math.Min(1, score)), nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
