package redis

import (
	"testing"
)

func TestNewRedis_InvalidURL(t *testing.T) {
	t.Parallel()

	client, err := NewRedis("not-a-redis-url")
	if err == nil {
		t.Fatal("expected error for invalid url")
	}
	if client != nil {
		t.Fatal("expected nil client for invalid url")
	}
}

func TestNewRedis_UnreachableServer(t *testing.T) {
	t.Parallel()

	client, err := NewRedis("redis://127.0.0.1:1")
	if err == nil {
		t.Fatal("expected error for unreachable server")
	}
	if client != nil {
		t.Fatal("expected nil client for unreachable server")
	}
}
