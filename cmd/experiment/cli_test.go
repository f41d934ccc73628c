package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dilemma-experiment-backend/internal/auth"
	"dilemma-experiment-backend/internal/config"
	"dilemma-experiment-backend/internal/randomizer"
	"dilemma-experiment-backend/internal/store"
)

func testCommand(t *testing.T, c *config.Config) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	cfg, logger = c, zap.NewNop()
	t.Cleanup(func() { cfg, logger = nil, nil })

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())
	return cmd, &out
}

func sqliteConfig(t *testing.T) *config.Config {
	return &config.Config{
		ExperimentSeed: randomizer.DefaultSeed,
		StoreDriver:    config.DriverSQLite,
		DatabasePath:   filepath.Join(t.TempDir(), "experiment.db"),
		EncryptionKey:  "0123456789abcdef0123456789abcdef",
	}
}

func TestDerive(t *testing.T) {
	cmd, out := testCommand(t, &config.Config{ExperimentSeed: randomizer.DefaultSeed})
	require.NoError(t, runDerive(cmd, []string{"12345"}))

	rnd, err := randomizer.New(randomizer.DefaultSeed)
	require.NoError(t, err)
	pid, err := rnd.DeriveParticipantID(int64(12345))
	require.NoError(t, err)
	g, err := rnd.AssignGroup(pid)
	require.NoError(t, err)
	assert.Equal(t, pid+" "+string(g)+"\n", out.String())
}

func TestBalanceSimulated(t *testing.T) {
	cmd, out := testCommand(t, &config.Config{ExperimentSeed: randomizer.DefaultSeed})
	balanceN, balanceStored = 200, false
	t.Cleanup(func() { balanceN = 1000 })

	require.NoError(t, runBalance(cmd, nil))
	assert.Contains(t, out.String(), "over 200 participants")
	assert.Contains(t, out.String(), "confess")
	assert.Contains(t, out.String(), "silent")

	balanceN = 0
	assert.Error(t, runBalance(cmd, nil))
}

func TestGenkey(t *testing.T) {
	cmd, out := testCommand(t, &config.Config{})
	require.NoError(t, runGenkey(cmd, nil))

	key, err := base64.URLEncoding.DecodeString(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestToken(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	cmd, out := testCommand(t, &config.Config{AdminJWTSecret: secret})
	tokenSubject, tokenTTL = "ops", time.Hour

	require.NoError(t, runToken(cmd, nil))
	sub, err := auth.ParseToken([]byte(secret), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "ops", sub)

	cmd, _ = testCommand(t, &config.Config{})
	assert.ErrorIs(t, runToken(cmd, nil), auth.ErrNoSecret)
}

func TestStatsAndExport(t *testing.T) {
	c := sqliteConfig(t)
	cmd, out := testCommand(t, c)

	st, dbx, err := openStore(cmd.Context(), c)
	require.NoError(t, err)
	require.NoError(t, st.CreateParticipant(cmd.Context(), "P15E2B0D3", "ru", randomizer.GroupSilent))
	require.NoError(t, st.SaveMessage(cmd.Context(), "P15E2B0D3", store.MessageUser, "secret words"))
	require.NoError(t, dbx.Close())

	require.NoError(t, runStats(cmd, nil))
	assert.Contains(t, out.String(), "Participants: 1\n")
	assert.Contains(t, out.String(), "• ru: 1")

	out.Reset()
	exportOut = filepath.Join(t.TempDir(), "run:1.json")
	exportText = false
	t.Cleanup(func() { exportOut, exportText = "", false })
	require.NoError(t, runExport(cmd, nil))

	path := strings.TrimSpace(out.String())
	assert.Equal(t, "run_1.json", filepath.Base(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var ex store.Export
	require.NoError(t, json.Unmarshal(b, &ex))
	require.Len(t, ex.Records, 1)
	assert.Empty(t, ex.Records[0].Transcript)
	assert.NotContains(t, string(b), "secret words")

	balanceStored = true
	t.Cleanup(func() { balanceStored = false })
	out.Reset()
	require.NoError(t, runBalance(cmd, nil))
	assert.Contains(t, out.String(), "over 1 participants")
}
