package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0madic/go-chatdispatch/internal/types"
)

func TestCount(t *testing.T) {
	assert.Zero(t, Count(""))
	assert.Positive(t, Count("hello world"))
	assert.Greater(t, Count("the quick brown fox jumps over the lazy dog"), Count("fox"))
}

func TestCountMessages(t *testing.T) {
	base := CountMessages(nil)
	assert.Equal(t, replyPrimer, base)

	one := CountMessages([]types.Message{{Role: types.RoleUser, Content: "hi"}})
	assert.Greater(t, one, base+perMessage)

	withCall := CountMessages([]types.Message{{
		Role:      types.RoleAssistant,
		ToolCalls: []types.ToolCall{{ID: "c1", Name: "lookup", Arguments: `{"q":"go"}`}},
	}})
	assert.Greater(t, withCall, base+perMessage+perToolCall)
}

func TestFill(t *testing.T) {
	prompt := []types.Message{{Role: types.RoleUser, Content: "hi"}}

	res := Fill(types.Success("hello there"), prompt)
	require.NotNil(t, res.Usage)
	assert.True(t, res.Usage.Estimated)
	assert.Equal(t, res.Usage.PromptTokens+res.Usage.CompletionTokens, res.Usage.TotalTokens)

	reported := &types.Usage{TotalTokens: 7}
	res = Fill(types.Success("x").WithUsage(reported), prompt)
	assert.Same(t, reported, res.Usage)

	res = Fill(types.Multiline([]types.Line{{Role: "char", Text: "a"}, {Role: "char", Text: "b"}}), prompt)
	require.NotNil(t, res.Usage)
	assert.Positive(t, res.Usage.CompletionTokens)

	res = Fill(types.Fail(types.AuthOrConfig, "no"), prompt)
	assert.Nil(t, res.Usage)
	assert.Nil(t, Fill(nil, prompt))
}
