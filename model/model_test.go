package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseMethod(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		expectErr bool
	}{
		{"simple method", "sleep", false},
		{"compound method", "parallel", false},
		{"convert variant", "decode", false},
		{"unknown method", "explode", true},
		{"empty method", "", true},
		{"case sensitive", "Sleep", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseMethod(tt.method)
			if tt.expectErr {
				var unknown *UnknownMethodError
				require.ErrorAs(t, err, &unknown)
				return
			}
			require.NoError(t, err)
			require.Equal(t, JobMethod(tt.method), m)
		})
	}
}

func TestIsCompound(t *testing.T) {
	require.True(t, MethodParallel.IsCompound())
	require.True(t, MethodSeries.IsCompound())
	require.True(t, MethodChain.IsCompound())
	require.False(t, MethodSleep.IsCompound())
	require.False(t, MethodPull.IsCompound())
}

func TestStatusRanks(t *testing.T) {
	// Ranks must be strictly increasing along the normal lifecycle so
	// that out-of-order events are detectable.
	lifecycle := []JobStatus{
		StatusWaiting, StatusPending, StatusDispatched,
		StatusReceived, StatusStarted, StatusRunning, StatusSuccess,
	}
	for i := 1; i < len(lifecycle); i++ {
		require.Greater(t, lifecycle[i].Rank(), lifecycle[i-1].Rank(),
			"%s should outrank %s", lifecycle[i], lifecycle[i-1])
	}

	// FAILURE outranks everything so compound roll-ups prefer it.
	for _, s := range lifecycle {
		require.Greater(t, StatusFailure.Rank(), s.Rank())
	}
	require.Greater(t, StatusFailure.Rank(), StatusRevoked.Rank())
	require.Greater(t, StatusFailure.Rank(), StatusTerminated.Rank())
}

func TestHasEnded(t *testing.T) {
	ended := []JobStatus{StatusSuccess, StatusFailure, StatusRevoked, StatusTerminated}
	for _, s := range ended {
		require.True(t, s.HasEnded(), "%s", s)
	}
	active := []JobStatus{StatusWaiting, StatusPending, StatusDispatched, StatusReceived, StatusStarted, StatusRunning}
	for _, s := range active {
		require.False(t, s.HasEnded(), "%s", s)
	}
}

func TestHighestStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []JobStatus
		expected JobStatus
	}{
		{"all success", []JobStatus{StatusSuccess, StatusSuccess}, StatusSuccess},
		{"failure wins over success", []JobStatus{StatusSuccess, StatusFailure, StatusSuccess}, StatusFailure},
		{"revoked beats success", []JobStatus{StatusSuccess, StatusRevoked}, StatusRevoked},
		{"running beats dispatched", []JobStatus{StatusDispatched, StatusRunning}, StatusRunning},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, HighestStatus(tt.statuses))
		})
	}
}

func TestDecodeParams(t *testing.T) {
	tests := []struct {
		name      string
		method    JobMethod
		raw       string
		expected  JobParams
		expectErr bool
	}{
		{
			name:     "sleep params",
			method:   MethodSleep,
			raw:      `{"seconds": 0.5, "repeat": 3}`,
			expected: &SleepParams{Seconds: 0.5, Repeat: 3},
		},
		{
			name:     "empty params default",
			method:   MethodSleep,
			raw:      "",
			expected: &SleepParams{},
		},
		{
			name:     "snapshot params shared by archive variants",
			method:   MethodZip,
			raw:      `{"project": 7, "snapshot": "v1"}`,
			expected: &SnapshotParams{Project: 7, Snapshot: "v1"},
		},
		{
			name:   "pull params with source",
			method: MethodPull,
			raw:    `{"project": 7, "source": {"type": "url", "url": "https://example.org/x"}, "path": "data/x"}`,
			expected: &PullParams{
				Project: 7,
				Source:  Source{Type: "url", URL: "https://example.org/x"},
				Path:    "data/x",
			},
		},
		{
			name:      "malformed json",
			method:    MethodSleep,
			raw:       `{"seconds": "lots"}`,
			expectErr: true,
		},
		{
			name:      "compound method has no params",
			method:    MethodParallel,
			raw:       `{}`,
			expectErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeParams(tt.method, json.RawMessage(tt.raw))
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestWorkerActive(t *testing.T) {
	now := time.Now()
	recent := now.Add(-10 * time.Second)
	stale := now.Add(-time.Hour)
	finished := now.Add(-time.Minute)

	tests := []struct {
		name     string
		worker   Worker
		expected bool
	}{
		{"recent heartbeat", Worker{Freq: 5, Updated: &recent}, true},
		{"stale heartbeat", Worker{Freq: 5, Updated: &stale}, false},
		{"finished worker", Worker{Freq: 5, Updated: &recent, Finished: &finished}, false},
		{"never heard from", Worker{Freq: 5}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, tt.worker.Active(now))
		})
	}
}

func TestSessionURL(t *testing.T) {
	s := Session{Protocol: "ws", IP: "10.0.0.5", Port: 8155}
	require.Equal(t, "ws://10.0.0.5:8155", s.URL())
}
