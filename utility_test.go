package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTimestamp(t *testing.T) {
	assert.Equal(t, "0:00", FormatTimestamp(0))
	assert.Equal(t, "0:05", FormatTimestamp(5*time.Second))
	assert.Equal(t, "3:20", FormatTimestamp(3*time.Minute+20*time.Second))
	assert.Equal(t, "1:05:20", FormatTimestamp(time.Hour+5*time.Minute+20*time.Second))
	assert.Equal(t, "0:00", FormatTimestamp(-time.Second))
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"3:20", 3*time.Minute + 20*time.Second, false},
		{"1:05:20", time.Hour + 5*time.Minute + 20*time.Second, false},
		{"0:00", 0, false},
		{" 2:30 ", 2*time.Minute + 30*time.Second, false},
		{"90", 0, true},
		{"1:2:3:4", 0, true},
		{"a:b", 0, true},
		{"-1:30", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		d, err := ParseTimestamp(tt.input)
		if tt.wantErr {
			assert.Error(t, err, "input: %q", tt.input)
		} else {
			require.NoError(t, err, "input: %q", tt.input)
			assert.Equal(t, tt.expected, d, "input: %q", tt.input)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "∞", FormatDuration(0))
	assert.Equal(t, "45s", FormatDuration(45*time.Second))
	assert.Equal(t, "3m 20s", FormatDuration(3*time.Minute+20*time.Second))
	assert.Equal(t, "2h 5m", FormatDuration(2*time.Hour+5*time.Minute))
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"30", 30 * time.Second, false},
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"2h", 2 * time.Hour, false},
		{"5M", 5 * time.Minute, false},
		{"abc", 0, true},
		{"1d", 0, true},
	}

	for _, tt := range tests {
		d, err := ParseDuration(tt.input)
		if tt.wantErr {
			assert.Error(t, err, "input: %q", tt.input)
		} else {
			require.NoError(t, err, "input: %q", tt.input)
			assert.Equal(t, tt.expected, d, "input: %q", tt.input)
		}
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "exact", Truncate("exact", 5))
	assert.Equal(t, "long st...", Truncate("long string here", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}

func TestTruncateCenter(t *testing.T) {
	assert.Equal(t, "short", TruncateCenter("short", 10))
	out := TruncateCenter("abcdefghijklmnopqrstuvwxyz", 11)
	assert.LessOrEqual(t, len([]rune(out)), 11)
	assert.Contains(t, out, "...")
	assert.Equal(t, "abcd", string([]rune(out)[:4]))
	assert.Equal(t, "wxyz", string([]rune(out)[len([]rune(out))-4:]))
}

func TestTruncateWithPreserve(t *testing.T) {
	out := TruncateWithPreserve("a very long track title that keeps going and going", 30, "🎵 ", "")
	assert.True(t, len([]rune(out)) <= 30)
	assert.Equal(t, "🎵 ", string([]rune(out)[:2]))

	short := TruncateWithPreserve("short", 30, "🎵 ", "")
	assert.Equal(t, "🎵 short", short)
}

func TestMinMaxAtoi(t *testing.T) {
	assert.Equal(t, 2, Min(2, 5))
	assert.Equal(t, 5, Max(2, 5))
	assert.Equal(t, 42, Atoi("42"))
	assert.Equal(t, 0, Atoi("nope"))
}
