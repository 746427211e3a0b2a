// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// BatchEmbeddingRequest is the wire request of an external embedding
// service: a batch of texts, one vector each.
type BatchEmbeddingRequest struct {
	Texts []string `json:"texts"`
}

// BatchEmbeddingResponse is the service's reply.
type BatchEmbeddingResponse struct {
	Vectors [][]float32 `json:"vectors"`
	Model   string      `json:"model,omitempty"`
	Dim     int         `json:"dim,omitempty"`
}

// HTTPProvider calls an external embedding service over HTTP. The engine
// stays agnostic of the model behind the endpoint.
type HTTPProvider struct {
	endpoint string
	client   *http.Client
}

// NewHTTPProvider returns a provider posting to endpoint, e.g.
// "http://localhost:12212/embed". client may be nil for a default with a
// 30s timeout.
func NewHTTPProvider(endpoint string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProvider{endpoint: endpoint, client: client}
}

// Embed requests one embedding.
func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(BatchEmbeddingRequest{Texts: []string{text}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service: status %d: %s", resp.StatusCode, payload)
	}

	var out BatchEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embedding service: decode: %w", err)
	}
	if len(out.Vectors) != 1 || len(out.Vectors[0]) == 0 {
		return nil, fmt.Errorf("embedding service: expected 1 vector, got %d", len(out.Vectors))
	}
	return out.Vectors[0], nil
}
