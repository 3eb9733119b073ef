package switchboard

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlers/pkg/errclass"
)

var testTargets = []string{"gardener", "librarian", "general"}

func TestParseDecompositionValid(t *testing.T) {
	raw := `{"subrequests": [
		{"target": "gardener", "prompt": "water the ferns", "mode": "parallel", "priority": 2},
		{"target": "librarian", "prompt": "log it", "mode": "conditional", "depends_on": "0"}
	]}`
	dec, err := ParseDecomposition(raw, testTargets)
	require.NoError(t, err)
	require.Len(t, dec.Subrequests, 2)
	assert.Equal(t, "gardener", dec.Subrequests[0].Target)
	assert.Equal(t, 2, dec.Subrequests[0].Priority)
	assert.Equal(t, "0", dec.Subrequests[1].DependsOn)
}

func TestParseDecompositionDefaultsMode(t *testing.T) {
	raw := `{"subrequests": [{"target": "general", "prompt": "hello"}]}`
	dec, err := ParseDecomposition(raw, testTargets)
	require.NoError(t, err)
	assert.Equal(t, ModeParallel, dec.Subrequests[0].Mode)
}

func TestParseDecompositionStripsSurroundingProse(t *testing.T) {
	raw := "Sure, here is the routing plan:\n```json\n" +
		`{"subrequests": [{"target": "general", "prompt": "hello"}]}` +
		"\n```\nLet me know if you need anything else."
	dec, err := ParseDecomposition(raw, testTargets)
	require.NoError(t, err)
	require.Len(t, dec.Subrequests, 1)
}

func TestParseDecompositionRejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no JSON object", "I cannot route this message."},
		{"unterminated object", `{"subrequests": [`},
		{"unknown field", `{"subrequests": [], "mood": "great"}`},
		{"no subrequests", `{"subrequests": []}`},
		{"unknown target", `{"subrequests": [{"target": "chef", "prompt": "x"}]}`},
		{"empty prompt", `{"subrequests": [{"target": "general", "prompt": "  "}]}`},
		{"unknown mode", `{"subrequests": [{"target": "general", "prompt": "x", "mode": "eventually"}]}`},
		{"depends_on out of range", `{"subrequests": [{"target": "general", "prompt": "x", "depends_on": "5"}]}`},
		{"depends_on self", `{"subrequests": [{"target": "general", "prompt": "x", "depends_on": "0"}]}`},
		{"conditional without depends_on", `{"subrequests": [{"target": "general", "prompt": "x", "mode": "conditional"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDecomposition(tt.raw, testTargets)
			require.Error(t, err)
			assert.Equal(t, errclass.Classification, errclass.ClassOf(err))
		})
	}
}

func TestParseDecompositionRejectsDependencyCycle(t *testing.T) {
	// Two conditionals waiting on each other would dispatch nothing.
	raw := `{"subrequests": [
		{"target": "gardener", "prompt": "a", "mode": "conditional", "depends_on": "1"},
		{"target": "librarian", "prompt": "b", "mode": "conditional", "depends_on": "0"}
	]}`
	_, err := ParseDecomposition(raw, testTargets)
	require.Error(t, err)
	assert.Equal(t, errclass.Classification, errclass.ClassOf(err))
	assert.Contains(t, err.Error(), "cycle")

	// A three-link cycle through an intermediate node rejects too.
	raw = `{"subrequests": [
		{"target": "gardener", "prompt": "a", "mode": "conditional", "depends_on": "2"},
		{"target": "librarian", "prompt": "b", "mode": "conditional", "depends_on": "0"},
		{"target": "general", "prompt": "c", "mode": "conditional", "depends_on": "1"}
	]}`
	_, err = ParseDecomposition(raw, testTargets)
	require.Error(t, err)

	// A plain chain still parses.
	raw = `{"subrequests": [
		{"target": "gardener", "prompt": "a"},
		{"target": "librarian", "prompt": "b", "mode": "conditional", "depends_on": "0"},
		{"target": "general", "prompt": "c", "mode": "conditional", "depends_on": "1"}
	]}`
	_, err = ParseDecomposition(raw, testTargets)
	assert.NoError(t, err)
}

func TestParseDecompositionTooManySubrequests(t *testing.T) {
	raw := `{"subrequests": [`
	for i := 0; i < 17; i++ {
		if i > 0 {
			raw += ","
		}
		raw += `{"target": "general", "prompt": "x"}`
	}
	raw += `]}`
	_, err := ParseDecomposition(raw, testTargets)
	assert.Error(t, err)
}

func TestExtractJSONObjectSkipsBracesInStrings(t *testing.T) {
	raw := `prefix {"subrequests": [{"target": "general", "prompt": "use {curly} braces \" fine"}]} suffix`
	jsonText, err := extractJSONObject(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"subrequests": [{"target": "general", "prompt": "use {curly} braces \" fine"}]}`, jsonText)
}

type stubCompleter struct {
	out string
	err error
}

func (s *stubCompleter) Complete(_ context.Context, _, _ string) (string, error) {
	return s.out, s.err
}

func staticTargets(names ...string) func(context.Context) ([]string, error) {
	return func(context.Context) ([]string, error) { return names, nil }
}

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestClassifyAssignsSubrequestIDs(t *testing.T) {
	c := NewClassifier(&stubCompleter{out: `{"subrequests": [
		{"target": "gardener", "prompt": "water"},
		{"target": "librarian", "prompt": "log it", "mode": "conditional", "depends_on": "0"}
	]}`}, staticTargets(testTargets...), testLogger())

	dec := c.Classify(context.Background(), "req-1", "water the ferns and log it")
	require.Len(t, dec.Subrequests, 2)
	assert.False(t, dec.Failsafe)
	assert.Equal(t, "req-1.0", dec.Subrequests[0].SubrequestID)
	assert.Equal(t, "req-1.1", dec.Subrequests[1].SubrequestID)
	// Index references become subrequest ids once ids exist.
	assert.Equal(t, "req-1.0", dec.Subrequests[1].DependsOn)
	// Unlabeled segments get positional ids.
	assert.Equal(t, "seg-0", dec.Subrequests[0].SegmentID)
	assert.Equal(t, "seg-1", dec.Subrequests[1].SegmentID)
}

func TestClassifyKeepsClassifierSegmentLabels(t *testing.T) {
	c := NewClassifier(&stubCompleter{out: `{"subrequests": [
		{"target": "gardener", "prompt": "water", "segment_id": "watering"}
	]}`}, staticTargets(testTargets...), testLogger())

	dec := c.Classify(context.Background(), "req-5", "water the ferns")
	require.Len(t, dec.Subrequests, 1)
	assert.Equal(t, "watering", dec.Subrequests[0].SegmentID)
}

func TestClassifyFailsafeOnCompletionError(t *testing.T) {
	c := NewClassifier(&stubCompleter{err: errors.New("model unavailable")},
		staticTargets(testTargets...), testLogger())

	dec := c.Classify(context.Background(), "req-2", "hello")
	require.Len(t, dec.Subrequests, 1)
	assert.True(t, dec.Failsafe)
	assert.Equal(t, FallbackTarget, dec.Subrequests[0].Target)
	assert.Equal(t, "hello", dec.Subrequests[0].Prompt)
}

func TestClassifyFailsafeOnGarbageOutput(t *testing.T) {
	c := NewClassifier(&stubCompleter{out: "I refuse to answer in JSON."},
		staticTargets(testTargets...), testLogger())

	dec := c.Classify(context.Background(), "req-3", "hello")
	assert.True(t, dec.Failsafe)
}

func TestClassifyFailsafeWhenNoTargets(t *testing.T) {
	c := NewClassifier(&stubCompleter{out: `{"subrequests": [{"target": "general", "prompt": "x"}]}`},
		staticTargets(), testLogger())

	dec := c.Classify(context.Background(), "req-4", "hello")
	assert.True(t, dec.Failsafe)
}

func TestClassifierSystemPromptListsTargetsSorted(t *testing.T) {
	prompt := classifierSystemPrompt([]string{"librarian", "gardener"})
	assert.Contains(t, prompt, "gardener, librarian")
}
