package db

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// SeedPosts upserts every post in a JSON array read from r and returns how
// many were saved. Posts without a slug are rejected.
func SeedPosts(ctx context.Context, store Store, r io.Reader) (int, error) {
	var posts []Post
	if err := json.NewDecoder(r).Decode(&posts); err != nil {
		return 0, fmt.Errorf("decode posts: %w", err)
	}
	for i, p := range posts {
		if p.Slug == "" {
			return i, fmt.Errorf("post %d (%q) has no slug", i, p.Title)
		}
		if _, err := store.SavePost(ctx, p); err != nil {
			return i, fmt.Errorf("save post %s: %w", p.Slug, err)
		}
	}
	return len(posts), nil
}
