package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/invoisio/ledger/internal/auth"
	"github.com/invoisio/ledger/internal/httputil"
)

// client talks to a ledgerd instance.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httputil.NewClient(timeout),
	}
}

// apiError is a non-2xx response from the server.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Body)
}

// do sends body as JSON with the given proofs and returns the raw response body.
func (c *client) do(ctx context.Context, method, path string, body any, proofs ...auth.Proof) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, p := range proofs {
		p.SetHeaders(req.Header)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// prove fetches a nonce for op and signs it over subject with each key.
// Every signer needs its own nonce since nonces are single use.
func (c *client) prove(ctx context.Context, op, subject string, keys ...solana.PrivateKey) ([]auth.Proof, error) {
	proofs := make([]auth.Proof, 0, len(keys))
	for _, key := range keys {
		data, err := c.do(ctx, http.MethodPost, "/v1/auth/nonce", map[string]string{"purpose": op})
		if err != nil {
			return nil, fmt.Errorf("issue nonce: %w", err)
		}
		var issued auth.IssuedNonce
		if err := json.Unmarshal(data, &issued); err != nil {
			return nil, fmt.Errorf("decode nonce: %w", err)
		}
		proof, err := auth.Sign(key, strings.Replace(issued.Template, "<subject>", subject, 1))
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, proof)
	}
	return proofs, nil
}

func escape(segment string) string {
	return url.PathEscape(segment)
}
