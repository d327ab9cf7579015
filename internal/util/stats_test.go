package util

import "testing"

// TestFormatBytesWidth verifies that formatted byte counts are always 8 chars.
func TestFormatBytesWidth(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}

	for _, tc := range testCases {
		got := formatBytes(tc.in)
		if got != tc.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
		if len(got) != 8 {
			t.Errorf("formatBytes(%v) has width %d, want 8", tc.in, len(got))
		}
	}
}

// TestStatsCounters verifies that frame and byte counters move together.
func TestStatsCounters(t *testing.T) {
	s := &stats{}
	s.AddSent(10)
	s.AddSent(5)
	s.AddRecv(7)
	s.AddDropped()

	if got := s.FramesSent.Load(); got != 2 {
		t.Errorf("FramesSent = %d, want 2", got)
	}
	if got := s.BytesSent.Load(); got != 15 {
		t.Errorf("BytesSent = %d, want 15", got)
	}
	if got := s.BytesRecv.Load(); got != 7 {
		t.Errorf("BytesRecv = %d, want 7", got)
	}
	if got := s.FramesDropped.Load(); got != 1 {
		t.Errorf("FramesDropped = %d, want 1", got)
	}
}
