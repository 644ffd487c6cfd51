package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// ChunkExists probes the server for an encrypted chunk blob. The
// uploader calls this before sealing a chunk so duplicate content is
// never re-encrypted or re-sent.
func (c *Client) ChunkExists(ctx context.Context, hash string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/api/storage/chunks/"+hash, nil)
	if err != nil {
		return false, fmt.Errorf("client: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("probing chunk %s: %w", hash, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &APIError{Status: resp.StatusCode, Message: "chunk probe failed"}
	}
}

// PutChunk uploads an encrypted chunk blob. Re-uploading an existing
// hash succeeds without rewriting.
func (c *Client) PutChunk(ctx context.Context, hash string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/storage/chunks/"+hash, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("client: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading chunk %s: %w", hash, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("uploading chunk %s: %w", hash, apiErrorFrom(resp.StatusCode, body))
	}
	return nil
}

// GetChunk downloads an encrypted chunk blob.
func (c *Client) GetChunk(ctx context.Context, hash string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/storage/chunks/"+hash, nil)
	if err != nil {
		return nil, fmt.Errorf("client: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading chunk %s: %w", hash, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("downloading chunk %s: %w", hash, apiErrorFrom(resp.StatusCode, body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("downloading chunk %s: reading body: %w", hash, err)
	}
	return data, nil
}
