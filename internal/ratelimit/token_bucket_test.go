package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNewRedisTokenBucketValidates(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	if _, err := NewRedisTokenBucket(nil, 1, time.Second, ""); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewRedisTokenBucket(client, 0, time.Second, ""); err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if _, err := NewRedisTokenBucket(client, 1, 0, ""); err == nil {
		t.Fatal("expected error for zero window")
	}

	l, err := NewRedisTokenBucket(client, 60, time.Minute, "")
	if err != nil {
		t.Fatalf("new bucket: %v", err)
	}
	if got := l.key("user-1"); got != "fisheye:ratelimit:user-1" {
		t.Fatalf("unexpected key %q", got)
	}
	if l.refillPerMS != 60.0/60000.0 {
		t.Fatalf("unexpected refill rate %v", l.refillPerMS)
	}
}

func TestAllowNRejectsCostAboveCapacity(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	l, err := NewRedisTokenBucket(client, 5, time.Second, "test")
	if err != nil {
		t.Fatalf("new bucket: %v", err)
	}
	if _, err := l.AllowN(context.Background(), "u", 6); !errors.Is(err, ErrCostTooHigh) {
		t.Fatalf("expected ErrCostTooHigh, got %v", err)
	}
}

func TestToInt64(t *testing.T) {
	tests := []struct {
		in      any
		want    int64
		wantErr bool
	}{
		{in: int64(7), want: 7},
		{in: 3, want: 3},
		{in: 2.9, want: 2},
		{in: "42", want: 42},
		{in: "x", wantErr: true},
		{in: []byte("1"), wantErr: true},
	}
	for _, tt := range tests {
		got, err := toInt64(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("toInt64(%v): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("toInt64(%v) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
}
