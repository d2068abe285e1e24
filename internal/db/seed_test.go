package db

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedPosts(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	n, err := SeedPosts(ctx, database, strings.NewReader(`[
		{"title": "What is ACV?", "slug": "what-is-acv", "status": "published", "tags": ["acv"]},
		{"title": "Texas total loss rules", "slug": "texas-total-loss", "status": "draft"}
	]`))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	post, err := database.GetPostBySlug(ctx, "what-is-acv")
	require.NoError(t, err)
	assert.NotNil(t, post.PublishedAt)

	_, err = SeedPosts(ctx, database, strings.NewReader(`[{"title": "no slug"}]`))
	assert.Error(t, err)

	_, err = SeedPosts(ctx, database, strings.NewReader(`{`))
	assert.Error(t, err)
}
