package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// fingerprintPayload fixes the field set and order that identify a request.
// Only fields that change the completion participate; transport details,
// request IDs, and the serving provider do not.
type fingerprintPayload struct {
	Model       string              `json:"model"`
	System      string              `json:"system,omitempty"`
	Messages    []providers.Message `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
	TopP        float64             `json:"top_p,omitempty"`
}

// Fingerprint derives the cache key for a request. It is computed from the
// canonical form before provider selection and before model mapping, so the
// same client request shares one entry across listeners and across whichever
// provider happens to serve it.
func Fingerprint(req *providers.Request) string {
	payload := fingerprintPayload{
		Model:       req.Model,
		System:      req.System,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		// Marshal of plain strings and numbers cannot fail; keep a stable
		// key anyway rather than panicking in the request path.
		raw = []byte(req.Model + "\x00" + req.System)
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
