package main

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accountbazaar/escrowd/internal/config"
	"github.com/accountbazaar/escrowd/internal/reaper"
	"github.com/accountbazaar/escrowd/internal/trade"
)

func TestParseFlags_DefaultsFromConfig(t *testing.T) {
	cfg := &config.Config{
		PendingTimeout:    45 * time.Minute,
		ProcessingTimeout: 3 * time.Hour,
		RefundItemPolicy:  "remove",
	}

	opts, policy, err := parseFlags(cfg, nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, opts.PendingTimeout)
	assert.Equal(t, 3*time.Hour, opts.ProcessingTimeout)
	assert.Equal(t, reaper.DefaultLimit, opts.Limit)
	assert.False(t, opts.DryRun)
	assert.Equal(t, trade.RefundRemove, policy)
}

func TestParseFlags_FlagsOverrideConfig(t *testing.T) {
	cfg := &config.Config{PendingTimeout: 45 * time.Minute, RefundItemPolicy: "remove"}

	opts, policy, err := parseFlags(cfg, []string{
		"--dry-run", "--pending-timeout=10m", "--limit=20", "--refund-item-policy=relist",
	}, io.Discard)
	require.NoError(t, err)
	assert.True(t, opts.DryRun)
	assert.Equal(t, 10*time.Minute, opts.PendingTimeout)
	assert.Equal(t, reaper.DefaultProcessingTimeout, opts.ProcessingTimeout)
	assert.Equal(t, 20, opts.Limit)
	assert.Equal(t, trade.RefundRelist, policy)
}

func TestParseFlags_Rejects(t *testing.T) {
	cfg := &config.Config{}
	for _, args := range [][]string{
		{"--refund-item-policy=burn"},
		{"--pending-timeout=0s"},
		{"--limit=-1"},
		{"--unknown"},
	} {
		_, _, err := parseFlags(cfg, args, io.Discard)
		assert.Error(t, err, "%v", args)
	}
}
