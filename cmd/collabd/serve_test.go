package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/boardroom/collab/internal/config"
	"github.com/boardroom/collab/internal/relay"
)

func TestRelayConfig(t *testing.T) {
	cfg := relayConfig(config.RelayConfig{
		ListenAddr:       ":9000",
		ServerName:       "relay-7",
		WorkerPoolSize:   8,
		MaxConnections:   10,
		FramesPerWindow:  5,
		RateWindow:       time.Second,
		History:          20,
		SnapshotEvery:    3,
		DetachAfter:      time.Minute,
		HeartbeatTimeout: 5 * time.Second,
	})
	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, "relay-7", cfg.Server.ServerName)
	assert.Equal(t, 8, cfg.Server.WorkerPoolSize)
	assert.Equal(t, int64(5), cfg.FrameRule.Limit)
	assert.Equal(t, time.Second, cfg.FrameRule.Window)
	assert.Equal(t, 20, cfg.Authority.History)
	assert.Equal(t, 3, cfg.Authority.SnapshotEvery)
	assert.Equal(t, time.Minute, cfg.Authority.DetachTTL)
	assert.Equal(t, 5*time.Second, cfg.Server.Heartbeat.Timeout)

	def := relay.DefaultConfig()
	assert.Equal(t, def.Server.ReadTimeout, cfg.Server.ReadTimeout, "unset durations keep the defaults")
	assert.Equal(t, def.FrameRule.Key, cfg.FrameRule.Key)
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "migrate")
}
