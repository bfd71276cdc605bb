package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/satoru707/voting-app/config"
	"github.com/satoru707/voting-app/internal/app"
	"github.com/satoru707/voting-app/internal/lock"
	"github.com/satoru707/voting-app/internal/repository"
)

func TestSubcommandsRegistered(t *testing.T) {
	for _, name := range []string{"serve", "sweep", "verify", "migrate"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		require.Equal(t, name, cmd.Name())
	}
}

func TestVerifyRequiresElectionID(t *testing.T) {
	require.Error(t, verifyCmd.Args(verifyCmd, nil))
	require.NoError(t, verifyCmd.Args(verifyCmd, []string{"e1"}))
}

func TestNewLocksLocal(t *testing.T) {
	remote, leader, err := newLocks(&config.Config{Lock: config.LockConfig{Backend: config.LockBackendLocal}})
	require.NoError(t, err)
	require.Nil(t, remote)
	require.IsType(t, &lock.LocalLock{}, leader)
}

func TestTurnoutCounterNeedsKafka(t *testing.T) {
	redisRepo := &repository.RedisRepository{}

	var deps app.Deps
	useRedis(&config.Config{}, &deps, redisRepo)
	require.NotNil(t, deps.Cache)
	require.Nil(t, deps.Turnout)

	deps = app.Deps{}
	useRedis(&config.Config{Kafka: config.KafkaConfig{Enabled: true}}, &deps, redisRepo)
	require.NotNil(t, deps.Cache)
	require.NotNil(t, deps.Turnout)
}
