package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpression_Eval(t *testing.T) {
	env := map[string]any{
		"vars": map[string]any{
			"mode":    "fast",
			"retries": 3,
			"score":   0.75,
			"enabled": true,
			"nested":  map[string]any{"level": "deep"},
		},
		"outputs": map[string]any{
			"classify": map[string]any{"label": "refund", "confidence": 0.9},
		},
		"status": map[string]any{"lookup": "failed", "classify": "succeeded"},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`vars.mode == "fast"`, true},
		{`vars.mode != 'fast'`, false},
		{`vars.retries > 2`, true},
		{`vars.retries >= 3 && vars.retries <= 3`, true},
		{`vars.score < 0.5`, false},
		{`vars.enabled`, true},
		{`!vars.enabled`, false},
		{`vars.enabled == true`, true},
		{`vars.nested.level == "deep"`, true},
		{`outputs.classify.label == "refund" && status.lookup != "failed"`, false},
		{`outputs.classify.label == "refund" || status.lookup != "failed"`, true},
		{`(vars.retries > 5 || vars.mode == "fast") && outputs.classify.confidence > 0.8`, true},
		{`vars.missing == null`, true},
		{`vars.missing != nil`, false},
		{`vars.missing`, false},
		{`vars.missing < 1`, true},
		{`status.classify == "succeeded"`, true},
		{`-1 < vars.retries`, true},
		{`"10" > 9`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			e, err := CompileExpression(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.Eval(env))
			assert.Equal(t, tt.expr, e.String())
		})
	}
}

func TestExpression_CompileErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"   ",
		"vars.x ==",
		"((vars.x)",
		`vars.x == "unterminated`,
		"vars.x == 1 2",
		"&& vars.x",
	} {
		t.Run(src, func(t *testing.T) {
			_, err := CompileExpression(src)
			assert.Error(t, err)
		})
	}
}

func TestExpression_StringStatusMap(t *testing.T) {
	e, err := CompileExpression(`status.a == "skipped"`)
	require.NoError(t, err)
	assert.True(t, e.Eval(map[string]any{"status": map[string]string{"a": "skipped"}}))
	assert.False(t, e.Eval(map[string]any{"status": "not a map"}))
}
