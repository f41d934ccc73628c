// Package randomizer assigns participants to experimental groups.
//
// Everything here is a pure function of its input and the seed given to New:
// the participant id is a truncated SHA-256 of the external identity, and the
// group is picked from the SHA-256 of seed and participant id. No PRNG state is
// shared between calls, so a Randomizer may be used from any number of goroutines.
//
// The seed must stay the same for the whole study. Changing it silently
// reassigns every participant.
package randomizer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"
)

// ErrInvalidIdentity is returned for identities or participant ids that are
// empty or have no stable string form.
var ErrInvalidIdentity = errors.New("invalid identity")

// Group is an experimental condition.
type Group string

const (
	GroupConfess Group = "confess"
	GroupSilent  Group = "silent"
)

// Groups lists the conditions in assignment order. The order is part of the
// assignment function and must not change during a study.
var Groups = []Group{GroupConfess, GroupSilent}

// DefaultSeed is the seed the study has run with so far.
const DefaultSeed = "experiment_seed_2024"

const (
	idTag    = "P"
	idHexLen = 8
)

// IDLength is the length of a participant id: tag plus hex digits.
const IDLength = len(idTag) + idHexLen

// Valid reports whether g is one of Groups.
func (g Group) Valid() bool {
	for _, known := range Groups {
		if g == known {
			return true
		}
	}
	return false
}

// ParseGroup maps a label to a Group.
func ParseGroup(s string) (Group, error) {
	g := Group(strings.ToLower(strings.TrimSpace(s)))
	if !g.Valid() {
		return "", fmt.Errorf("unknown group %q", s)
	}
	return g, nil
}

type Randomizer struct {
	seed string
}

func New(seed string) (*Randomizer, error) {
	if strings.TrimSpace(seed) == "" {
		return nil, errors.New("randomizer: empty seed")
	}
	return &Randomizer{seed: seed}, nil
}

// Seed returns the configured seed.
func (r *Randomizer) Seed() string {
	return r.seed
}

// DeriveParticipantID returns the pseudonymous id for an external identity:
// "P" followed by the first 8 hex digits of SHA-256 of its string form, uppercased.
//
// The id is 32 bits wide, so two identities can share an id. For a study of n
// participants the chance of any shared id is about n²/2³³ (≈1e-6 for 100,
// ≈1% for 10 000). Callers that must rule collisions out check the store.
func (r *Randomizer) DeriveParticipantID(identity any) (string, error) {
	s, err := identityString(identity)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(s))
	return idTag + strings.ToUpper(hex.EncodeToString(sum[:])[:idHexLen]), nil
}

// AssignGroup returns the group of a participant id. The id format is not
// checked here; validation.ParticipantID does that for callers that care.
func (r *Randomizer) AssignGroup(participantID string) (Group, error) {
	if participantID == "" {
		return "", fmt.Errorf("assign group: %w: empty participant id", ErrInvalidIdentity)
	}
	sum := sha256.Sum256([]byte(r.seed + "_" + participantID))

	n := new(big.Int).SetBytes(sum[:])
	idx := n.Mod(n, big.NewInt(int64(len(Groups)))).Int64()
	return Groups[idx], nil
}

// CheckBalance tallies AssignGroup over ids. Both groups are always present
// in the result. It stops at the first invalid id.
func (r *Randomizer) CheckBalance(participantIDs []string) (map[Group]int, error) {
	counts := make(map[Group]int, len(Groups))
	for _, g := range Groups {
		counts[g] = 0
	}
	for i, id := range participantIDs {
		g, err := r.AssignGroup(id)
		if err != nil {
			return nil, fmt.Errorf("check balance: id #%d: %w", i, err)
		}
		counts[g]++
	}
	return counts, nil
}

// ValidateAssignment recomputes the group for participantID and compares it
// with expected, so a stored assignment can be checked without trusting storage.
func (r *Randomizer) ValidateAssignment(participantID string, expected Group) (bool, error) {
	actual, err := r.AssignGroup(participantID)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}

// identityString returns the canonical string form of an identity.
// Only types whose formatting is stable across runs are accepted.
func identityString(identity any) (string, error) {
	var s string
	switch v := identity.(type) {
	case nil:
		return "", fmt.Errorf("%w: nil", ErrInvalidIdentity)
	case string:
		s = v
	case int:
		s = strconv.FormatInt(int64(v), 10)
	case int8:
		s = strconv.FormatInt(int64(v), 10)
	case int16:
		s = strconv.FormatInt(int64(v), 10)
	case int32:
		s = strconv.FormatInt(int64(v), 10)
	case int64:
		s = strconv.FormatInt(v, 10)
	case uint:
		s = strconv.FormatUint(uint64(v), 10)
	case uint8:
		s = strconv.FormatUint(uint64(v), 10)
	case uint16:
		s = strconv.FormatUint(uint64(v), 10)
	case uint32:
		s = strconv.FormatUint(uint64(v), 10)
	case uint64:
		s = strconv.FormatUint(v, 10)
	case fmt.Stringer:
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return "", fmt.Errorf("%w: nil %T", ErrInvalidIdentity, identity)
		}
		s = v.String()
	default:
		// named integer types, e.g. a platform UserID
		rv := reflect.ValueOf(identity)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			s = strconv.FormatInt(rv.Int(), 10)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			s = strconv.FormatUint(rv.Uint(), 10)
		case reflect.String:
			s = rv.String()
		default:
			return "", fmt.Errorf("%w: unsupported type %T", ErrInvalidIdentity, identity)
		}
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	return s, nil
}
