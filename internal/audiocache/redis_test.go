//go:build integration

package audiocache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestRedisStoreIntegration(t *testing.T) {
	addr := os.Getenv("LECTERN_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, addr)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	s := NewRedisStore(rdb, time.Minute)
	t.Cleanup(func() { s.Clear(ctx) })

	err = s.Put(ctx, &Entry{Fingerprint: "it-1", Data: []byte("mp3"), Size: 3, MimeType: "audio/mpeg", CreatedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	e, err := s.Get(ctx, "it-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(e.Data) != "mp3" || e.MimeType != "audio/mpeg" {
		t.Errorf("unexpected entry %+v", e)
	}

	if err := s.Delete(ctx, "it-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "it-1"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get after delete = %v, want ErrMiss", err)
	}
}
