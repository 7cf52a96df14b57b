package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// cloudCodeBase is the Gemini workspace backend used after onboarding.
const cloudCodeBase = "https://cloudcode-pa.googleapis.com/v1internal"

const onboardPollLimit = time.Minute

// clientMetadata identifies the caller to the workspace API.
var clientMetadata = map[string]any{
	"ideType":     "IDE_UNSPECIFIED",
	"platform":    "PLATFORM_UNSPECIFIED",
	"pluginType":  "GEMINI",
	"duetProject": nil,
}

type loadCodeAssistResponse struct {
	CloudAICompanionProject string `json:"cloudaicompanionProject"`
	AllowedTiers            []struct {
		ID        string `json:"id"`
		IsDefault bool   `json:"isDefault"`
	} `json:"allowedTiers"`
	CurrentTier *struct {
		ID string `json:"id"`
	} `json:"currentTier"`
}

type onboardOperation struct {
	Done     bool `json:"done"`
	Response struct {
		CloudAICompanionProject struct {
			ID string `json:"id"`
		} `json:"cloudaicompanionProject"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// onboardWorkspace resolves (or provisions) the workspace project id via the
// loadCodeAssist / onboardUser pair. A project id already provisioned is
// returned immediately; otherwise onboarding is started with the best
// available tier and its long-running operation is polled until it resolves.
func (e *Engine) onboardWorkspace(ctx context.Context, accessToken string) (string, error) {
	load, err := e.loadCodeAssist(ctx, accessToken)
	if err != nil {
		return "", err
	}
	if load.CloudAICompanionProject != "" {
		return load.CloudAICompanionProject, nil
	}

	tier := pickTier(load)
	if tier == "" {
		return "", fmt.Errorf("no onboarding tier available")
	}

	deadline := time.Now().Add(onboardPollLimit)
	for {
		op, err := e.onboardUser(ctx, accessToken, tier)
		if err != nil {
			return "", err
		}
		if op.Error != nil {
			return "", fmt.Errorf("onboarding operation failed: %s", op.Error.Message)
		}
		if op.Done && op.Response.CloudAICompanionProject.ID != "" {
			return op.Response.CloudAICompanionProject.ID, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("onboarding did not resolve within %s", onboardPollLimit)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// pickTier prefers paid over the current tier over standard over free over
// whatever is first.
func pickTier(load *loadCodeAssistResponse) string {
	byID := map[string]bool{}
	for _, t := range load.AllowedTiers {
		byID[t.ID] = true
	}

	for _, want := range []string{"paid-tier", "legacy-tier"} {
		if byID[want] {
			return want
		}
	}
	if load.CurrentTier != nil && load.CurrentTier.ID != "" {
		return load.CurrentTier.ID
	}
	for _, want := range []string{"standard-tier", "free-tier"} {
		if byID[want] {
			return want
		}
	}
	if len(load.AllowedTiers) > 0 {
		return load.AllowedTiers[0].ID
	}
	return ""
}

func (e *Engine) loadCodeAssist(ctx context.Context, accessToken string) (*loadCodeAssistResponse, error) {
	body, _ := json.Marshal(map[string]any{
		"metadata": clientMetadata,
	})

	var resp loadCodeAssistResponse
	if err := e.postCloudCode(ctx, accessToken, "loadCodeAssist", string(body), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (e *Engine) onboardUser(ctx context.Context, accessToken, tier string) (*onboardOperation, error) {
	body, _ := json.Marshal(map[string]any{
		"tierId":   tier,
		"metadata": clientMetadata,
	})

	var op onboardOperation
	if err := e.postCloudCode(ctx, accessToken, "onboardUser", string(body), &op); err != nil {
		return nil, err
	}
	return &op, nil
}

func (e *Engine) postCloudCode(ctx context.Context, accessToken, method, body string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, shortCallTimeout)
	defer cancel()

	url := fmt.Sprintf("%s:%s", cloudCodeBase, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", method, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
