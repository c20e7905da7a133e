package providers

import (
	"context"
	"fmt"
	"net/url"

	"github.com/tidwall/sjson"

	"github.com/n0madic/go-chatdispatch/internal/auth"
	"github.com/n0madic/go-chatdispatch/internal/types"
	"github.com/n0madic/go-chatdispatch/internal/upstream"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// bedrockAdapter invokes Anthropic models hosted on AWS Bedrock. Calls are
// signed with SigV4 and never streamed.
type bedrockAdapter struct {
	deps Deps
}

func (a *bedrockAdapter) Send(ctx context.Context, req *Request) *types.Result {
	creds := auth.AWSCredentials{
		AccessKeyID:     req.Credential.AccessKeyID,
		SecretAccessKey: req.Credential.SecretAccessKey,
		SessionToken:    req.Credential.SessionToken,
		Region:          firstNonEmpty(req.Credential.Region, "us-east-1"),
	}
	if !creds.Valid() {
		return types.Fail(types.AuthOrConfig, "AWS access key and secret are required for Bedrock")
	}

	body, fail := anthropicBody(req)
	if fail != nil {
		return fail
	}
	body, _ = sjson.DeleteBytes(body, "model")
	body, _ = sjson.DeleteBytes(body, "stream")
	body, _ = sjson.SetBytes(body, "anthropic_version", bedrockAnthropicVersion)

	base := baseURL(req, fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", creds.Region))
	data, _, err := a.deps.Client.DoJSON(ctx, &upstream.Request{
		URL:   base + "/model/" + url.PathEscape(req.Model.WireModel()) + "/invoke",
		Body:  body,
		Sign:  auth.SigV4(creds, "bedrock"),
		Model: req.Model.ID,
	})
	if err != nil {
		return upstream.ResultFromError(err)
	}
	return parseAnthropicMessage(data)
}
