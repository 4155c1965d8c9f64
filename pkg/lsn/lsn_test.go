package lsn

import (
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
)

func TestLag(t *testing.T) {
	tests := []struct {
		current, latest pglogrepl.LSN
		want            uint64
	}{
		{0, 0, 0},
		{100, 100, 0},
		{200, 100, 0},
		{100, 300, 200},
	}
	for _, tt := range tests {
		if got := Lag(tt.current, tt.latest); got != tt.want {
			t.Errorf("Lag(%v, %v) = %d, want %d", tt.current, tt.latest, got, tt.want)
		}
	}
}

func TestFormatLag(t *testing.T) {
	tests := []struct {
		bytes uint64
		want  string
	}{
		{512, "512 B"},
		{2048, "2.00 KB"},
		{3 << 20, "3.00 MB"},
		{1 << 30, "1.00 GB"},
	}
	for _, tt := range tests {
		if got := FormatLag(tt.bytes); got != tt.want {
			t.Errorf("FormatLag(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

func TestTimePGRoundTrip(t *testing.T) {
	// The PostgreSQL epoch itself.
	if got := TimeFromPG(0); !got.Equal(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("TimeFromPG(0) = %v, want 2000-01-01", got)
	}

	ts := time.Date(2024, 3, 15, 12, 30, 45, 123456000, time.UTC)
	if got := TimeFromPG(TimeToPG(ts)); !got.Equal(ts) {
		t.Errorf("round trip = %v, want %v", got, ts)
	}
}
