package tokenstore

import (
	"context"
	"os"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
)

// Redis and Mongo run only against a live server.
func TestRedisStore(t *testing.T) {
	url := os.Getenv("LIFELINE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LIFELINE_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := ConnectRedis(ctx, url, 1, time.Second)
	require.NoError(t, err)

	s := NewRedisStore(client, "lifeline-test:"+gonanoid.Must(8)+":")
	t.Cleanup(func() {
		names, _ := s.List(ctx)
		for _, n := range names {
			_ = s.Delete(ctx, n)
		}
		_ = s.Close()
	})
	exerciseStore(t, s)
}

func TestMongoStore(t *testing.T) {
	url := os.Getenv("LIFELINE_TEST_MONGO_URL")
	if url == "" {
		t.Skip("LIFELINE_TEST_MONGO_URL not set")
	}
	ctx := context.Background()
	client, err := ConnectMongo(ctx, url, 1, time.Second)
	require.NoError(t, err)

	s := NewMongoStore(client, "lifeline_test", "tokens_"+gonanoid.Must(8))
	t.Cleanup(func() {
		_ = s.collection.Drop(ctx)
		_ = s.Close()
	})
	exerciseStore(t, s)
}
