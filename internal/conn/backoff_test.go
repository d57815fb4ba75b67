package conn

import (
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		got := Backoff(tt.attempt, DefaultBaseDelay, DefaultMaxDelay)
		if got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffNegativeAttempt(t *testing.T) {
	if got := Backoff(-1, DefaultBaseDelay, DefaultMaxDelay); got != DefaultBaseDelay {
		t.Errorf("Backoff(-1) = %v, want %v", got, DefaultBaseDelay)
	}
}
