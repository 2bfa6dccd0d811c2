package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/compresr/relay-gateway/internal/accounts"
)

var loadCodeAssistBody = []byte(`{"metadata":{"ideType":"ANTIGRAVITY","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`)

// CodeAssist is the part of a loadCodeAssist response the gateway uses.
type CodeAssist struct {
	ProjectID string
	Tier      accounts.Tier
}

// LoadCodeAssist resolves the project and subscription tier bound to a token.
func (c *Client) LoadCodeAssist(ctx context.Context, accessToken string) (CodeAssist, error) {
	data, err := c.postJSON(ctx, MethodLoadCodeAssist, accessToken, loadCodeAssistBody)
	if err != nil {
		return CodeAssist{}, fmt.Errorf("loadCodeAssist: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return CodeAssist{}, errors.New("loadCodeAssist: invalid JSON response")
	}

	root := gjson.ParseBytes(data)
	var out CodeAssist

	// cloudaicompanionProject is either a bare id or {"id": ...}.
	project := root.Get("cloudaicompanionProject")
	if project.IsObject() {
		out.ProjectID = project.Get("id").String()
	} else {
		out.ProjectID = project.String()
	}

	tier := root.Get("paidTier.id").String()
	if tier == "" {
		tier = root.Get("currentTier.id").String()
	}
	out.Tier = accounts.ParseTier(tier)
	return out, nil
}

// ResolveProjectID returns the backend project for a token. It satisfies
// accounts.ProjectResolver.
func (c *Client) ResolveProjectID(ctx context.Context, accessToken string) (string, error) {
	ca, err := c.LoadCodeAssist(ctx, accessToken)
	if err != nil {
		return "", err
	}
	if ca.ProjectID == "" {
		return "", errors.New("loadCodeAssist: no project bound to account")
	}
	return ca.ProjectID, nil
}
