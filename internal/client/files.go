package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ListFiles returns all live file records, optionally narrowed to a
// path prefix.
func (c *Client) ListFiles(ctx context.Context, prefix string) ([]File, error) {
	path := "/api/files"
	if prefix != "" {
		path += "?prefix=" + url.QueryEscape(prefix)
	}

	var files []File
	if err := c.get(ctx, path, &files); err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	return files, nil
}

// GetFile fetches one live file record. IsNotFound on the returned
// error distinguishes "never existed or trashed" from failures.
func (c *Client) GetFile(ctx context.Context, filePath string) (*File, error) {
	var file File
	if err := c.get(ctx, "/api/files/"+escapePath(filePath), &file); err != nil {
		return nil, fmt.Errorf("fetching file %q: %w", filePath, err)
	}
	return &file, nil
}

// CreateFile registers a new file at version 1. IsConflict on the
// returned error means the path already exists and the caller should
// retry as an update.
func (c *Client) CreateFile(ctx context.Context, filePath string, size int64, contentHash string, chunks []ChunkRef) (*File, error) {
	body := struct {
		Path        string     `json:"path"`
		Size        int64      `json:"size"`
		ContentHash string     `json:"content_hash"`
		Chunks      []ChunkRef `json:"chunks"`
	}{filePath, size, contentHash, chunks}

	var file File
	if err := c.post(ctx, "/api/files", body, &file); err != nil {
		return nil, fmt.Errorf("creating file %q: %w", filePath, err)
	}
	return &file, nil
}

// UpdateFile replaces a file's content at parentVersion+1. IsConflict
// on the returned error means another machine committed first.
func (c *Client) UpdateFile(ctx context.Context, filePath string, size int64, contentHash string, parentVersion int64, chunks []ChunkRef) (*File, error) {
	body := struct {
		Size          int64      `json:"size"`
		ContentHash   string     `json:"content_hash"`
		ParentVersion int64      `json:"parent_version"`
		Chunks        []ChunkRef `json:"chunks"`
	}{size, contentHash, parentVersion, chunks}

	var file File
	if err := c.put(ctx, "/api/files/"+escapePath(filePath), body, &file); err != nil {
		return nil, fmt.Errorf("updating file %q: %w", filePath, err)
	}
	return &file, nil
}

// DeleteFile moves a file to the server trash. IsNotFound means it
// was already gone, which callers treat as success.
func (c *Client) DeleteFile(ctx context.Context, filePath string) error {
	if err := c.delete(ctx, "/api/files/"+escapePath(filePath)); err != nil {
		return fmt.Errorf("deleting file %q: %w", filePath, err)
	}
	return nil
}

// FileChunks returns the ordered chunk hashes for a live file.
func (c *Client) FileChunks(ctx context.Context, filePath string) ([]string, error) {
	var hashes []string
	if err := c.get(ctx, "/api/chunks/"+escapePath(filePath), &hashes); err != nil {
		return nil, fmt.Errorf("fetching chunk list for %q: %w", filePath, err)
	}
	return hashes, nil
}

// ListTrash returns the trashed file records.
func (c *Client) ListTrash(ctx context.Context) ([]File, error) {
	var files []File
	if err := c.get(ctx, "/api/trash", &files); err != nil {
		return nil, fmt.Errorf("listing trash: %w", err)
	}
	return files, nil
}

// RestoreFile brings a trashed file back as a live record. IsConflict
// means the path was re-created after the deletion.
func (c *Client) RestoreFile(ctx context.Context, filePath string) (*File, error) {
	var file File
	if err := c.post(ctx, "/api/trash/"+escapePath(filePath)+"/restore", nil, &file); err != nil {
		return nil, fmt.Errorf("restoring file %q: %w", filePath, err)
	}
	return &file, nil
}

// Changes fetches one page of the change log after since. A zero
// since streams from the beginning; limit zero uses the server
// default.
func (c *Client) Changes(ctx context.Context, since time.Time, limit int) (*ChangePage, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	path := "/api/changes"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page ChangePage
	if err := c.get(ctx, path, &page); err != nil {
		return nil, fmt.Errorf("fetching changes: %w", err)
	}
	return &page, nil
}

// LatestChange returns the server's newest change log timestamp,
// which seeds the cursor on first sync.
func (c *Client) LatestChange(ctx context.Context) (time.Time, error) {
	var resp struct {
		Latest time.Time `json:"latest_timestamp"`
	}
	if err := c.get(ctx, "/api/changes/latest", &resp); err != nil {
		return time.Time{}, fmt.Errorf("fetching latest change: %w", err)
	}
	return resp.Latest, nil
}
