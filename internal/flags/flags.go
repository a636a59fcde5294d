// Package flags evaluates feature flags with a stable per-user rollout.
package flags

import (
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"github.com/victorgomez09/inkwell/internal/auth/validation"
)

// Options are the operator-controlled attributes of a flag.
type Options struct {
	Enabled           bool     `json:"is_enabled" yaml:"enabled"`
	RolloutPercentage int      `json:"rollout_percentage" yaml:"rollout_percentage"`
	TargetUsers       []string `json:"target_users" yaml:"target_users"`
}

// New builds a flag with the percentage clamped to [0,100] and the allow-list
// deduplicated.
func New(name string, opts Options, now time.Time) (*models.FeatureFlag, error) {
	if err := validation.ValidateName(name); err != nil {
		return nil, err
	}
	f := &models.FeatureFlag{
		Name:      name,
		CreatedAt: now,
	}
	Apply(f, opts, now)
	return f, nil
}

// Apply overwrites the flag's attributes with opts.
func Apply(f *models.FeatureFlag, opts Options, now time.Time) {
	f.Enabled = opts.Enabled
	f.RolloutPercentage = ClampPercentage(opts.RolloutPercentage)
	f.TargetUsers = normalizeTargets(opts.TargetUsers)
	f.UpdatedAt = now
}

func ClampPercentage(p int) int {
	return min(100, max(0, p))
}

func normalizeTargets(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// HasTargeting reports whether the flag narrows its audience at all.
func HasTargeting(f *models.FeatureFlag) bool {
	return f.RolloutPercentage != 100 || len(f.TargetUsers) > 0
}

// Bucket maps a user id onto [0,100). The mapping depends only on the id, so
// it is the same across calls and process restarts.
func Bucket(userID string) int {
	return int(xxhash.Sum64String(userID) % 100)
}

// Evaluator decides whether a flag is on for a user. The random source is
// only consulted for anonymous callers.
type Evaluator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewEvaluator uses rng for anonymous draws, or a randomly seeded source when nil.
func NewEvaluator(rng *rand.Rand) *Evaluator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Evaluator{rng: rng}
}

// IsActive applies, in order: disabled, allow-list, full or zero rollout,
// then the stable bucket. An empty userID means an anonymous caller.
func (e *Evaluator) IsActive(f *models.FeatureFlag, userID string) bool {
	if f == nil || !f.Enabled {
		return false
	}
	if userID != "" && slices.Contains(f.TargetUsers, userID) {
		return true
	}
	switch {
	case f.RolloutPercentage >= 100:
		return true
	case f.RolloutPercentage <= 0:
		return false
	}
	if userID == "" {
		e.mu.Lock()
		n := e.rng.IntN(100)
		e.mu.Unlock()
		return n < f.RolloutPercentage
	}
	return Bucket(userID) < f.RolloutPercentage
}
