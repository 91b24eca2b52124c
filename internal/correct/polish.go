package correct

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anyllm "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
)

const defaultTemperature = 0.1

// systemPromptTemplate is the base system prompt for the polish pass.
// The vocabulary list is appended at call time.
const systemPromptTemplate = `You are a transcript correction assistant for a voice processing service.

Your task: fix name and term misspellings in the provided transcript text.

Rules:
- ONLY correct words that appear to be misheard versions of the known terms listed below.
- Do NOT change ordinary words, grammar, punctuation, or sentence structure.
- Be conservative: if you are not confident a word is a misheard term, leave it unchanged.
- Corrected terms must match the canonical spelling from the list exactly.

Known terms:
%s

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "corrected_text": "<full corrected transcript>",
  "corrections": [
    {"original": "<original word>", "corrected": "<corrected word>", "confidence": <0.0-1.0>}
  ]
}

If no corrections are needed, return an empty corrections array and corrected_text equal to the input.`

// polishResponse is the expected JSON structure returned by the model.
type polishResponse struct {
	CorrectedText string `json:"corrected_text"`
	Corrections   []struct {
		Original   string  `json:"original"`
		Corrected  string  `json:"corrected"`
		Confidence float64 `json:"confidence"`
	} `json:"corrections"`
}

// Polisher runs the LLM correction pass over a transcript. Safe for
// concurrent use.
type Polisher struct {
	backend     anyllm.Provider
	model       string
	temperature float64
}

// NewPolisher constructs a [Polisher] for the named any-llm provider.
// provider is one of "openai", "anthropic", "ollama", "groq". When
// apiKey is empty the provider falls back to its environment variable.
func NewPolisher(provider, model, apiKey string) (*Polisher, error) {
	if model == "" {
		return nil, fmt.Errorf("correct: polisher model must not be empty")
	}

	var opts []anyllm.Option
	if apiKey != "" {
		opts = append(opts, anyllm.WithAPIKey(apiKey))
	}

	var (
		backend anyllm.Provider
		err     error
	)
	switch strings.ToLower(provider) {
	case "openai":
		backend, err = anyllmoai.New(opts...)
	case "anthropic":
		backend, err = anthropic.New(opts...)
	case "ollama":
		backend, err = ollama.New(opts...)
	case "groq":
		backend, err = groq.New(opts...)
	default:
		return nil, fmt.Errorf("correct: unsupported llm provider %q; supported: openai, anthropic, ollama, groq", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("correct: create %q backend: %w", provider, err)
	}

	return &Polisher{
		backend:     backend,
		model:       model,
		temperature: defaultTemperature,
	}, nil
}

// Polish sends text to the model with the vocabulary as context and asks
// it to fix misheard terms. An unparseable response degrades to the
// original text with a nil error; network errors are returned.
func (p *Polisher) Polish(ctx context.Context, text string, vocab []string) (string, []Correction, error) {
	if len(vocab) == 0 {
		return text, nil, nil
	}

	var sb strings.Builder
	for _, term := range vocab {
		sb.WriteString("- ")
		sb.WriteString(term)
		sb.WriteByte('\n')
	}

	temp := p.temperature
	params := anyllm.CompletionParams{
		Model:       p.model,
		Temperature: &temp,
		Messages: []anyllm.Message{
			{Role: anyllm.RoleSystem, Content: fmt.Sprintf(systemPromptTemplate, sb.String())},
			{Role: anyllm.RoleUser, Content: text},
		},
	}

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return text, nil, fmt.Errorf("correct: polish completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return text, nil, nil
	}

	corrected, corrections, parseErr := parsePolishResponse(resp.Choices[0].Message.ContentString(), text)
	if parseErr != nil {
		// Unparseable model output: keep the phonetic result.
		return text, nil, nil
	}
	return corrected, corrections, nil
}

// parsePolishResponse unmarshals the model output, stripping the markdown
// code fences some models wrap JSON in.
func parsePolishResponse(content, originalText string) (string, []Correction, error) {
	cleaned := stripMarkdown(content)

	var r polishResponse
	if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
		return "", nil, fmt.Errorf("correct: parse polish response: %w", err)
	}
	if r.CorrectedText == "" {
		return originalText, nil, nil
	}

	corrections := make([]Correction, 0, len(r.Corrections))
	for _, c := range r.Corrections {
		if c.Original == "" || c.Original == c.Corrected {
			continue
		}
		corrections = append(corrections, Correction{
			Original:   c.Original,
			Corrected:  c.Corrected,
			Confidence: c.Confidence,
			Method:     "llm",
		})
	}
	return r.CorrectedText, corrections, nil
}

// stripMarkdown removes optional code fences (```json ... ```).
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
