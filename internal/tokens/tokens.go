// Package tokens estimates token usage for replies whose provider did not
// report any.
package tokens

import (
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"

	"github.com/n0madic/go-chatdispatch/internal/types"
)

const (
	perMessage  = 4 // role and separators
	replyPrimer = 3 // assistant reply header
	perToolCall = 3
)

var (
	encOnce sync.Once
	enc     tokenizer.Codec
)

// codec returns the shared o200k encoder, falling back to cl100k. It returns
// nil when neither can be loaded.
func codec() tokenizer.Codec {
	encOnce.Do(func() {
		var err error
		enc, err = tokenizer.Get(tokenizer.O200kBase)
		if err != nil {
			enc, err = tokenizer.Get(tokenizer.Cl100kBase)
			if err != nil {
				enc = nil
			}
		}
	})
	return enc
}

// Count returns the number of BPE tokens in text. Without an encoder it
// falls back to one token per four runes.
func Count(text string) int {
	if text == "" {
		return 0
	}
	if c := codec(); c != nil {
		if ids, _, err := c.Encode(text); err == nil {
			return len(ids)
		}
	}
	return (utf8.RuneCountInString(text) + 3) / 4
}

// CountMessages estimates the prompt cost of a conversation.
func CountMessages(msgs []types.Message) int {
	n := replyPrimer
	for _, m := range msgs {
		n += perMessage + Count(string(m.Role)) + Count(m.Content) + Count(m.Name)
		for _, th := range m.Thoughts {
			n += Count(th)
		}
		for _, tc := range m.ToolCalls {
			n += perToolCall + Count(tc.Name) + Count(tc.Arguments)
		}
		for _, r := range m.Results {
			n += Count(r.ToolCallID)
		}
		if m.ToolCallID != "" {
			n += Count(m.ToolCallID)
		}
	}
	return n
}

// Estimate builds an estimated usage record for a prompt and its reply.
func Estimate(prompt []types.Message, reply string) *types.Usage {
	p := int64(CountMessages(prompt))
	c := int64(Count(reply))
	return &types.Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c, Estimated: true}
}

// Fill attaches an estimated usage to res when it is a success or
// multiline reply without provider usage. It returns res.
func Fill(res *types.Result, prompt []types.Message) *types.Result {
	if res == nil || res.Usage != nil {
		return res
	}
	switch res.Kind {
	case types.KindSuccess:
		res.Usage = Estimate(prompt, res.Text)
	case types.KindMultiline:
		var total string
		for _, l := range res.Lines {
			total += l.Text
		}
		res.Usage = Estimate(prompt, total)
	}
	return res
}
