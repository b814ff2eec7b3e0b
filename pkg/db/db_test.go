package db

import (
	"testing"
	"time"
)

func TestPoolConfigWithDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   PoolConfig
		want PoolConfig
	}{
		{
			name: "zero value",
			in:   PoolConfig{},
			want: PoolConfig{MaxConns: DefaultMaxConns, MinConns: 0, AcquireTimeout: DefaultAcquireTimeout},
		},
		{
			name: "explicit values kept",
			in:   PoolConfig{MaxConns: 4, MinConns: 2, AcquireTimeout: time.Second},
			want: PoolConfig{MaxConns: 4, MinConns: 2, AcquireTimeout: time.Second},
		},
		{
			name: "min clamped to max",
			in:   PoolConfig{MaxConns: 4, MinConns: 9, AcquireTimeout: time.Second},
			want: PoolConfig{MaxConns: 4, MinConns: 4, AcquireTimeout: time.Second},
		},
		{
			name: "negative min",
			in:   PoolConfig{MaxConns: 4, MinConns: -1},
			want: PoolConfig{MaxConns: 4, MinConns: 0, AcquireTimeout: DefaultAcquireTimeout},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.withDefaults(); got != tt.want {
				t.Fatalf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
