package classify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_BoundaryScenario7(t *testing.T) {
	cases := []struct {
		text     string
		wantKind Kind
		wantCat  Category
	}{
		{"ECONNRESET", Transient, CategoryNetwork},
		{"HTTP 429", Transient, CategoryRateLimit},
		{"Invalid API key", Permanent, CategoryAuth},
		{"HTTP 403 Forbidden", Permanent, CategoryAuth},
		{"HTTP 500", Transient, CategoryServer},
		{"Something weird", Transient, CategoryUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			got := Classify(errors.New(tc.text))
			assert.Equal(t, tc.wantKind, got.Kind)
			assert.Equal(t, tc.wantCat, got.Category)
		})
	}
}

func TestClassify_TotalAndDeterministic(t *testing.T) {
	// L3: classify is total and deterministic for any string input.
	inputs := []string{"", "random junk 12345", "!@#$%^&*()"}
	for _, in := range inputs {
		first := ClassifyText(in)
		second := ClassifyText(in)
		assert.Equal(t, first, second)
	}
}

func TestClassify_NilError(t *testing.T) {
	got := Classify(nil)
	assert.Equal(t, Transient, got.Kind)
}
