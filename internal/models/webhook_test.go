package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_JSONUsesSeconds(t *testing.T) {
	var p RetryPolicy
	require.NoError(t, json.Unmarshal([]byte(`{"max_attempts":3,"initial_backoff_seconds":2.5,"timeout_seconds":10}`), &p))
	require.Equal(t, 3, p.MaxAttempts)
	require.Equal(t, 2500*time.Millisecond, p.InitialBackoff)
	require.Equal(t, 10*time.Second, p.Timeout)
	require.Zero(t, p.MaxBackoff)

	b, err := json.Marshal(RetryPolicy{MaxBackoff: time.Hour, Multiplier: 2})
	require.NoError(t, err)
	require.JSONEq(t, `{"max_attempts":0,"initial_backoff_seconds":0,"max_backoff_seconds":3600,"multiplier":2,"timeout_seconds":0}`, string(b))
}

func TestRetryPolicy_HugeSecondsSaturate(t *testing.T) {
	var p RetryPolicy
	require.NoError(t, json.Unmarshal([]byte(`{"timeout_seconds":1e30,"max_backoff_seconds":-1e30}`), &p))
	require.Equal(t, time.Duration(1<<63-1), p.Timeout)
	require.Less(t, p.MaxBackoff, time.Duration(0))
}
