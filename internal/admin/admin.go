// Package admin exposes experiment maintenance to operators: chat commands
// for listed admin users and a token protected HTTP API.
package admin

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"dilemma-experiment-backend/internal/experiment"
	"dilemma-experiment-backend/internal/randomizer"
	"dilemma-experiment-backend/internal/store"
)

type Deps struct {
	Experiment *experiment.Experiment
	Store      *store.Store
	Randomizer *randomizer.Randomizer
	Bot        experiment.Messenger
	IsAdmin    func(userID int64) bool
	Log        *zap.Logger
}

type Service struct {
	exp     *experiment.Experiment
	store   *store.Store
	rnd     *randomizer.Randomizer
	bot     experiment.Messenger
	isAdmin func(int64) bool
	log     *zap.Logger
}

func New(d Deps) *Service {
	isAdmin := d.IsAdmin
	if isAdmin == nil {
		isAdmin = func(int64) bool { return false }
	}
	return &Service{
		exp:     d.Experiment,
		store:   d.Store,
		rnd:     d.Randomizer,
		bot:     d.Bot,
		isAdmin: isAdmin,
		log:     d.Log.Named("admin"),
	}
}

// Register installs the /admin chat command on the experiment.
func (s *Service) Register() {
	s.exp.Handle("admin", s.Command)
}

// BalanceReport is the group split of stored participants as the current
// seed assigns them.
type BalanceReport struct {
	Total  int                      `json:"total"`
	Counts map[randomizer.Group]int `json:"counts"`
	// Mismatched lists participants whose stored group differs from the one
	// the current seed yields, e.g. after EXPERIMENT_SEED was changed.
	Mismatched []string `json:"mismatched,omitempty"`
}

func (s *Service) Balance(ctx context.Context) (BalanceReport, error) {
	participants, err := s.store.ListParticipants(ctx)
	if err != nil {
		return BalanceReport{}, err
	}
	return Balance(s.rnd, participants)
}

// Balance recomputes the group of every participant.
func Balance(rnd *randomizer.Randomizer, participants []store.Participant) (BalanceReport, error) {
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.ParticipantID)
	}
	counts, err := rnd.CheckBalance(ids)
	if err != nil {
		return BalanceReport{}, err
	}

	r := BalanceReport{Total: len(ids), Counts: counts}
	for _, p := range participants {
		ok, err := rnd.ValidateAssignment(p.ParticipantID, p.Group)
		if err != nil {
			return BalanceReport{}, fmt.Errorf("validate %s: %w", p.ParticipantID, err)
		}
		if !ok {
			r.Mismatched = append(r.Mismatched, p.ParticipantID)
		}
	}
	return r, nil
}
