// Package correct implements transcript post-processing: a phonetic pass
// that snaps misheard words to known vocabulary (registered speaker names
// plus configured domain terms), and an optional LLM polish pass applied
// to low-confidence transcripts.
//
// The phonetic pass is in-process and cheap, so it runs on every
// transcript. The LLM pass adds network latency and runs only when the
// transcript confidence falls below the configured threshold.
package correct

import (
	"context"
	"strings"
)

// Correction records a single substitution applied to a transcript.
type Correction struct {
	// Original is the span as it appeared in the input.
	Original string `json:"original"`

	// Corrected is the replacement term.
	Corrected string `json:"corrected"`

	// Confidence is the match score in [0, 1].
	Confidence float64 `json:"confidence"`

	// Method is "phonetic" or "llm".
	Method string `json:"method"`
}

// VocabularyFunc supplies the current dynamic vocabulary, typically the
// registered speaker names. Called once per Apply.
type VocabularyFunc func(ctx context.Context) ([]string, error)

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithVocabulary adds static domain terms matched on every transcript.
func WithVocabulary(terms []string) Option {
	return func(c *Corrector) {
		c.static = append(c.static, terms...)
	}
}

// WithDynamicVocabulary attaches a source of per-call vocabulary, such as
// the speaker registry's name list. Errors from the source are ignored
// and the static vocabulary is used alone.
func WithDynamicVocabulary(fn VocabularyFunc) Option {
	return func(c *Corrector) {
		c.dynamic = fn
	}
}

// WithMinSimilarity sets the Jaro-Winkler floor for phonetic matches.
// Default: 0.70 for phonetic candidates; the fuzzy fallback always uses
// the stricter built-in threshold.
func WithMinSimilarity(threshold float64) Option {
	return func(c *Corrector) {
		c.matcher.phoneticThreshold = threshold
	}
}

// WithPolisher attaches an LLM polish stage applied when the transcript
// confidence is below threshold.
func WithPolisher(p *Polisher, threshold float64) Option {
	return func(c *Corrector) {
		c.polisher = p
		c.polishThreshold = threshold
	}
}

// Corrector applies the correction passes. Safe for concurrent use.
type Corrector struct {
	matcher         matcher
	static          []string
	dynamic         VocabularyFunc
	polisher        *Polisher
	polishThreshold float64
}

// New returns a [Corrector] configured with the supplied options.
func New(opts ...Option) *Corrector {
	c := &Corrector{
		matcher: matcher{
			phoneticThreshold: defaultPhoneticThreshold,
			fuzzyThreshold:    defaultFuzzyThreshold,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Apply corrects text and returns the corrected transcript with the list
// of substitutions made. confidence is the transcription confidence and
// gates the LLM pass. Apply never fails the transcript: LLM errors
// degrade to the phonetic result.
func (c *Corrector) Apply(ctx context.Context, text string, confidence float64) (string, []Correction, error) {
	vocab := c.vocabulary(ctx)
	if len(vocab) == 0 && c.polisher == nil {
		return text, nil, nil
	}

	working, corrections := c.applyPhonetic(text, vocab)

	if c.polisher != nil && confidence < c.polishThreshold {
		polished, llmCorrections, err := c.polisher.Polish(ctx, working, vocab)
		if err == nil {
			working = polished
			corrections = append(corrections, llmCorrections...)
		} else if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		// Other polish failures fall back to the phonetic result.
	}

	return working, corrections, nil
}

// vocabulary merges the static terms with the dynamic source.
func (c *Corrector) vocabulary(ctx context.Context) []string {
	vocab := make([]string, 0, len(c.static))
	vocab = append(vocab, c.static...)
	if c.dynamic != nil {
		if names, err := c.dynamic(ctx); err == nil {
			vocab = append(vocab, names...)
		}
	}
	return vocab
}

// applyPhonetic runs the phonetic matching stage over text. At each token
// position it tries n-gram windows from the longest vocabulary term down
// to a single token, so multi-word terms take precedence over partial
// single-word matches.
func (c *Corrector) applyPhonetic(text string, vocab []string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 || len(vocab) == 0 {
		return text, nil
	}

	maxTermWords := 1
	for _, term := range vocab {
		if n := len(strings.Fields(term)); n > maxTermWords {
			maxTermWords = n
		}
	}

	var (
		output      []string
		corrections []Correction
	)

	i := 0
	for i < len(tokens) {
		maxN := min(maxTermWords, len(tokens)-i)

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			term, conf, ok := c.matcher.match(window, vocab)
			if !ok {
				continue
			}
			output = append(output, strings.Fields(term)...)
			corrections = append(corrections, Correction{
				Original:   window,
				Corrected:  term,
				Confidence: conf,
				Method:     "phonetic",
			})
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), corrections
}
