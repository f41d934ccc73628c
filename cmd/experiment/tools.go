package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dilemma-experiment-backend/internal/admin"
	"dilemma-experiment-backend/internal/auth"
	"dilemma-experiment-backend/internal/randomizer"
	"dilemma-experiment-backend/internal/secure"
	"dilemma-experiment-backend/internal/validation"
)

var (
	balanceN      int
	balanceStored bool

	tokenSubject string
	tokenTTL     time.Duration

	exportOut  string
	exportText bool
)

func runDerive(cmd *cobra.Command, args []string) error {
	rnd, err := randomizer.New(cfg.ExperimentSeed)
	if err != nil {
		return err
	}
	pid, err := rnd.DeriveParticipantID(args[0])
	if err != nil {
		return err
	}
	g, err := rnd.AssignGroup(pid)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", pid, g)
	return nil
}

func runBalance(cmd *cobra.Command, args []string) error {
	rnd, err := randomizer.New(cfg.ExperimentSeed)
	if err != nil {
		return err
	}

	var rep admin.BalanceReport
	if balanceStored {
		st, dbx, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer dbx.Close()
		participants, err := st.ListParticipants(cmd.Context())
		if err != nil {
			return err
		}
		if rep, err = admin.Balance(rnd, participants); err != nil {
			return err
		}
	} else {
		if balanceN <= 0 {
			return fmt.Errorf("--n must be positive, got %d", balanceN)
		}
		ids := make([]string, 0, balanceN)
		for i := 1; i <= balanceN; i++ {
			pid, err := rnd.DeriveParticipantID(strconv.Itoa(i))
			if err != nil {
				return err
			}
			ids = append(ids, pid)
		}
		counts, err := rnd.CheckBalance(ids)
		if err != nil {
			return err
		}
		rep = admin.BalanceReport{Total: len(ids), Counts: counts}
	}

	fmt.Fprint(cmd.OutOrStdout(), admin.FormatBalance(rep))
	return nil
}

func runGenkey(cmd *cobra.Command, args []string) error {
	key, err := secure.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	tok, err := auth.GenerateToken([]byte(cfg.AdminJWTSecret), tokenSubject, tokenTTL)
	if err != nil {
		return err
	}
	logger.Info("admin token issued", zap.String("subject", tokenSubject), zap.Duration("ttl", tokenTTL))
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	st, dbx, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer dbx.Close()

	stats, err := st.Statistics(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), admin.FormatStatistics(stats))
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	st, dbx, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer dbx.Close()

	ex, err := st.Export(cmd.Context(), uuid.NewString(), exportText)
	if err != nil {
		return err
	}

	out := exportOut
	if out == "" {
		out = "export_" + ex.ExportID + ".json"
	}
	out = filepath.Join(filepath.Dir(out), validation.Filename(filepath.Base(out)))

	b, err := json.MarshalIndent(ex, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, b, 0o600); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	logger.Info("export written",
		zap.String("export_id", ex.ExportID),
		zap.String("path", out),
		zap.Int("records", len(ex.Records)),
		zap.Bool("with_text", exportText))
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}
