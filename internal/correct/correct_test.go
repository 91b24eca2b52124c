package correct

import (
	"context"
	"testing"
)

func TestApply_CorrectsMisheardName(t *testing.T) {
	t.Parallel()
	c := New(WithVocabulary([]string{"Bartholomew", "Alice"}))

	got, corrections, err := c.Apply(context.Background(), "then bartholomoo started talking", 0.9)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if want := "then Bartholomew started talking"; got != want {
		t.Errorf("Apply = %q, want %q", got, want)
	}
	if len(corrections) != 1 {
		t.Fatalf("got %d corrections, want 1", len(corrections))
	}
	if corrections[0].Method != "phonetic" {
		t.Errorf("Method = %q, want phonetic", corrections[0].Method)
	}
	if corrections[0].Original != "bartholomoo" {
		t.Errorf("Original = %q, want bartholomoo", corrections[0].Original)
	}
}

func TestApply_LeavesExactMatchesAlone(t *testing.T) {
	t.Parallel()
	c := New(WithVocabulary([]string{"Alice"}))

	got, corrections, err := c.Apply(context.Background(), "alice spoke first", 0.9)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if want := "alice spoke first"; got != want {
		t.Errorf("Apply = %q, want %q", got, want)
	}
	if len(corrections) != 0 {
		t.Errorf("got %d corrections, want 0", len(corrections))
	}
}

func TestApply_DoesNotTouchOrdinaryWords(t *testing.T) {
	t.Parallel()
	c := New(WithVocabulary([]string{"Zyxwvut"}))

	const text = "the quick brown fox jumps over the lazy dog"
	got, corrections, err := c.Apply(context.Background(), text, 0.9)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != text {
		t.Errorf("Apply = %q, want unchanged %q", got, text)
	}
	if len(corrections) != 0 {
		t.Errorf("got %d corrections, want 0", len(corrections))
	}
}

func TestApply_MultiWordTerm(t *testing.T) {
	t.Parallel()
	c := New(WithVocabulary([]string{"New Avalon"}))

	got, _, err := c.Apply(context.Background(), "we docked at noo havalon yesterday", 0.9)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if want := "we docked at New Avalon yesterday"; got != want {
		t.Errorf("Apply = %q, want %q", got, want)
	}
}

func TestApply_UsesDynamicVocabulary(t *testing.T) {
	t.Parallel()
	calls := 0
	c := New(WithDynamicVocabulary(func(ctx context.Context) ([]string, error) {
		calls++
		return []string{"Gwendolyn"}, nil
	}))

	got, _, err := c.Apply(context.Background(), "gwendolin arrived late", 0.9)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if want := "Gwendolyn arrived late"; got != want {
		t.Errorf("Apply = %q, want %q", got, want)
	}
	if calls != 1 {
		t.Errorf("dynamic vocabulary called %d times, want 1", calls)
	}
}

func TestApply_EmptyVocabularyIsNoop(t *testing.T) {
	t.Parallel()
	c := New()

	const text = "nothing to correct here"
	got, corrections, err := c.Apply(context.Background(), text, 0.1)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != text || corrections != nil {
		t.Errorf("Apply = (%q, %v), want unchanged text and nil corrections", got, corrections)
	}
}

func TestMatcher_FuzzyFallbackRequiresHighSimilarity(t *testing.T) {
	t.Parallel()
	m := matcher{phoneticThreshold: defaultPhoneticThreshold, fuzzyThreshold: defaultFuzzyThreshold}

	// "cat" vs "dog" shares no phonetic codes and is nowhere near the
	// fuzzy threshold.
	if _, _, ok := m.match("cat", []string{"dog"}); ok {
		t.Error("match accepted a dissimilar word")
	}
}

func TestParsePolishResponse(t *testing.T) {
	t.Parallel()

	t.Run("plain json", func(t *testing.T) {
		t.Parallel()
		corrected, corrections, err := parsePolishResponse(
			`{"corrected_text": "hello Alice", "corrections": [{"original": "aliss", "corrected": "Alice", "confidence": 0.9}]}`,
			"hello aliss",
		)
		if err != nil {
			t.Fatalf("parsePolishResponse: %v", err)
		}
		if corrected != "hello Alice" {
			t.Errorf("corrected = %q, want %q", corrected, "hello Alice")
		}
		if len(corrections) != 1 || corrections[0].Method != "llm" {
			t.Errorf("corrections = %+v, want one llm correction", corrections)
		}
	})

	t.Run("fenced json", func(t *testing.T) {
		t.Parallel()
		corrected, _, err := parsePolishResponse(
			"```json\n{\"corrected_text\": \"ok\", \"corrections\": []}\n```",
			"ok",
		)
		if err != nil {
			t.Fatalf("parsePolishResponse: %v", err)
		}
		if corrected != "ok" {
			t.Errorf("corrected = %q, want %q", corrected, "ok")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		if _, _, err := parsePolishResponse("not json at all", "x"); err == nil {
			t.Error("parsePolishResponse accepted garbage")
		}
	})

	t.Run("identity corrections are dropped", func(t *testing.T) {
		t.Parallel()
		_, corrections, err := parsePolishResponse(
			`{"corrected_text": "same", "corrections": [{"original": "same", "corrected": "same", "confidence": 1}]}`,
			"same",
		)
		if err != nil {
			t.Fatalf("parsePolishResponse: %v", err)
		}
		if len(corrections) != 0 {
			t.Errorf("got %d corrections, want 0", len(corrections))
		}
	})
}
