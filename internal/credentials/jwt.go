package credentials

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Claims are the JWT payload fields the gateway cares about. The token is
// decoded locally without signature verification; the values are advisory
// hints (display email, plan badge, expiry) and never security decisions.
type Claims struct {
	Email     string `json:"email"`
	Exp       int64  `json:"exp"`
	AccountID string
	Plan      string
}

type openAIAuthClaim struct {
	ChatGPTAccountID string `json:"chatgpt_account_id"`
	ChatGPTPlanType  string `json:"chatgpt_plan_type"`
}

// DecodeJWTClaims decodes the base64url payload segment of a JWT.
func DecodeJWTClaims(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("token is not a JWT")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode JWT payload: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal JWT payload: %w", err)
	}

	var claims Claims
	if v, ok := raw["email"]; ok {
		_ = json.Unmarshal(v, &claims.Email)
	}
	if v, ok := raw["exp"]; ok {
		_ = json.Unmarshal(v, &claims.Exp)
	}

	// OpenAI packs account and plan under a vendor claim.
	if v, ok := raw["https://api.openai.com/auth"]; ok {
		var auth openAIAuthClaim
		if err := json.Unmarshal(v, &auth); err == nil {
			claims.AccountID = auth.ChatGPTAccountID
			claims.Plan = auth.ChatGPTPlanType
		}
	}

	return &claims, nil
}
