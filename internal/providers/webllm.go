package providers

import (
	"context"
	"errors"

	"github.com/n0madic/go-chatdispatch/internal/types"
)

// LocalEngine runs a model in-process, the way a browser-side WebLLM engine
// does. Options carries the converted sampling parameters.
type LocalEngine interface {
	Generate(ctx context.Context, model string, msgs []types.Message, options map[string]any) (string, error)
}

// LocalEngineFunc adapts a function to LocalEngine.
type LocalEngineFunc func(ctx context.Context, model string, msgs []types.Message, options map[string]any) (string, error)

// Generate implements LocalEngine.
func (f LocalEngineFunc) Generate(ctx context.Context, model string, msgs []types.Message, options map[string]any) (string, error) {
	return f(ctx, model, msgs, options)
}

type webLLMAdapter struct {
	engine LocalEngine
}

func (a *webLLMAdapter) Send(ctx context.Context, req *Request) *types.Result {
	if a.engine == nil {
		return types.Fail(types.AuthOrConfig, "local engine is not available")
	}
	options, fail := optionsMap(req, nil)
	if fail != nil {
		return fail
	}
	options["max_tokens"] = maxTokens(req)
	text, err := a.engine.Generate(ctx, req.Model.WireModel(), req.Messages, options)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return types.Aborted()
		}
		return types.Failf(types.TransientNetwork, "local engine: %v", err)
	}
	return types.Success(text)
}
