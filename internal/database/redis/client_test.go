package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestKeys(t *testing.T) {
	c := newClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "coinpool:", 0)
	defer c.Close()

	if got := c.cacheKey("eth:reward:0x01"); got != "coinpool:cache:eth:reward:0x01" {
		t.Errorf("cacheKey = %q", got)
	}
	if got := c.templateKey(18081); got != "coinpool:template:18081" {
		t.Errorf("templateKey = %q", got)
	}
}

func TestUnreachableServer(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := newClient(rdb, "", time.Minute)
	defer c.Close()

	ctx := context.Background()
	if _, _, err := c.Get(ctx, "k"); err == nil {
		t.Error("expected error from unreachable server")
	}
	if err := c.Put(ctx, "k", []byte("v")); err == nil {
		t.Error("expected error from unreachable server")
	}
	if _, err := NewClient(&Config{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1}); err == nil {
		t.Error("NewClient must fail when ping fails")
	}
}
