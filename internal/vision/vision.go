// Package vision substitutes image blocks with text descriptions for
// upstreams that cannot accept images. Descriptions come from a single-shot
// call to a vision-capable model and are memoized for the process lifetime.
package vision

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/Davincible/claude-proxy/internal/config"
	"github.com/Davincible/claude-proxy/internal/protocol"
)

const (
	unavailableText = "[Image description unavailable]"
	describePrompt  = "Describe this image in granular detail, including any text, layout, colors and notable elements. Answer with the description only."

	// hashPrefixLimit bounds how much base64 feeds the cache key; with the
	// total length appended this is collision-safe for real screenshots.
	hashPrefixLimit = 64 * 1024
)

// Describer replaces image blocks in-place, fanning out description calls
// concurrently and caching results by image identity.
type Describer struct {
	cfg    *config.Manager
	client *http.Client
	logger *slog.Logger

	cache sync.Map // key -> description string
}

func NewDescriber(cfg *config.Manager, logger *slog.Logger) *Describer {
	return &Describer{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
	}
}

// cacheKey identifies an image by URL, or by a SHA-256 over a bounded
// prefix of the base64 payload plus its total length.
func cacheKey(src *protocol.ImageSource) string {
	if src.URL != "" {
		return "url:" + src.URL
	}
	prefix := src.Data
	if len(prefix) > hashPrefixLimit {
		prefix = prefix[:hashPrefixLimit]
	}
	sum := sha256.Sum256([]byte(prefix))
	return fmt.Sprintf("b64:%s:%d", hex.EncodeToString(sum[:]), len(src.Data))
}

// Rewrite replaces every image block in the request with a text block. A
// failed description yields a placeholder without failing the request.
func (d *Describer) Rewrite(ctx context.Context, req *protocol.Request) {
	type slot struct {
		msg, block int
		key        string
		src        *protocol.ImageSource
	}

	var slots []slot
	for mi := range req.Messages {
		for bi := range req.Messages[mi].Content.Blocks {
			block := &req.Messages[mi].Content.Blocks[bi]
			if block.Type != protocol.BlockImage || block.Source == nil {
				continue
			}
			slots = append(slots, slot{
				msg:   mi,
				block: bi,
				key:   cacheKey(block.Source),
				src:   block.Source,
			})
		}
	}
	if len(slots) == 0 {
		return
	}

	// One describe call per distinct image, run concurrently.
	pending := map[string]*protocol.ImageSource{}
	for _, s := range slots {
		if _, ok := d.cache.Load(s.key); !ok {
			pending[s.key] = s.src
		}
	}

	var wg sync.WaitGroup
	for key, src := range pending {
		wg.Add(1)
		go func(key string, src *protocol.ImageSource) {
			defer wg.Done()
			desc, err := d.describe(ctx, src)
			if err != nil {
				d.logger.Warn("image description failed", "error", err)
				d.cache.Store(key, unavailableText)
				return
			}
			d.cache.Store(key, fmt.Sprintf("[Image Description: %s]", desc))
		}(key, src)
	}
	wg.Wait()

	for _, s := range slots {
		text := unavailableText
		if v, ok := d.cache.Load(s.key); ok {
			text = v.(string)
		}
		req.Messages[s.msg].Content.Blocks[s.block] = protocol.ContentBlock{
			Type: protocol.BlockText,
			Text: text,
		}
	}
}

// describe posts one non-streaming Chat Completions request to the
// configured vision model.
func (d *Describer) describe(ctx context.Context, src *protocol.ImageSource) (string, error) {
	cfg := d.cfg.Get()
	if cfg.OpenRouterAPIKey == "" {
		return "", fmt.Errorf("OPENROUTER_API_KEY is not configured for vision fallback")
	}

	imageURL := src.URL
	if imageURL == "" {
		mediaType := src.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		imageURL = fmt.Sprintf("data:%s;base64,%s", mediaType, src.Data)
	}

	body, err := json.Marshal(map[string]any{
		"model": cfg.VisionModel,
		"messages": []map[string]any{{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": describePrompt},
				{"type": "image_url", "image_url": map[string]any{"url": imageURL}},
			},
		}},
	})
	if err != nil {
		return "", err
	}

	url := cfg.OpenRouterBaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.OpenRouterAPIKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("vision upstream returned %d: %s", resp.StatusCode, data)
	}

	var reply struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", err
	}
	if len(reply.Choices) == 0 || reply.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("vision upstream returned no description")
	}
	return reply.Choices[0].Message.Content, nil
}
