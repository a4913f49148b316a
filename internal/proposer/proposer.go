// Package proposer implements one Promise/Accept/Learn pass against a
// replica set for a single (key, version, candidate) tuple. It holds
// no state across calls to Run: every call owns only its in-memory
// tally for that one round.
package proposer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/senutpal/kvpaxos/internal/ballot"
	"github.com/senutpal/kvpaxos/internal/metrics"
	"github.com/senutpal/kvpaxos/internal/store"
)

// Replica is the narrow surface ProposerRound needs from a
// store.ReplicaStore. Declaring it here (rather than depending on the
// concrete type everywhere) keeps the protocol testable against a fake.
type Replica interface {
	EnsureRow(ctx context.Context, key string, version int64) error
	ReadRow(ctx context.Context, key string, version int64) (store.Row, bool, error)
	UpdatePromised(ctx context.Context, key string, version int64, seq ballot.Ballot) error
	ConditionalAccept(ctx context.Context, key string, version int64, seq, expectedPromised ballot.Ballot, value []byte) (bool, error)
	ConditionalLearn(ctx context.Context, key string, version int64, seq ballot.Ballot) (bool, error)
}

// Kind tags the variant of an Outcome.
type Kind int

const (
	Ok Kind = iota
	Resolved
	AlreadyLearned
	InvalidInput
	NoPromiseQuorum
	NoAcceptQuorum
	NoLearnQuorum
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Resolved:
		return "resolved"
	case AlreadyLearned:
		return "already-learned"
	case InvalidInput:
		return "invalid-input"
	case NoPromiseQuorum:
		return "no-promise-quorum"
	case NoAcceptQuorum:
		return "no-accept-quorum"
	case NoLearnQuorum:
		return "no-learn-quorum"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of one round.
type Outcome struct {
	Kind    Kind
	Version int64
	Value   []byte
	Count   int
}

var errAlreadyLearned = errors.New("proposer: already learned")

type promiseResult struct {
	accepted ballot.Ballot
	value    []byte
}

// Run executes one Promise/Accept/Learn pass. replicas must number at
// least 1; quorum is the caller-computed floor(N/2)+1.
func Run(ctx context.Context, replicas []Replica, quorum int, clk ballot.Clock, key string, version int64, candidate []byte, log *zap.Logger, m *metrics.Metrics) Outcome {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if len(key) == 0 || len(candidate) == 0 || version < 1 {
		return Outcome{Kind: InvalidInput}
	}

	seq := clk.Next()
	log.Debug("starting round", zap.String("key", key), zap.Int64("version", version), zap.Uint64("ballot", uint64(seq)))

	tally, learnedValue, already, err := promisePhase(ctx, replicas, seq, key, version, log, m)
	if err != nil {
		log.Warn("promise phase error", zap.Error(err))
		log.Info("round outcome", zap.String("kind", NoPromiseQuorum.String()), zap.String("key", key), zap.Int64("version", version))
		return Outcome{Kind: NoPromiseQuorum}
	}
	if already {
		m.PutOutcomes.WithLabelValues(AlreadyLearned.String()).Inc()
		log.Info("round outcome", zap.String("kind", AlreadyLearned.String()), zap.String("key", key), zap.Int64("version", version))
		return Outcome{Kind: AlreadyLearned, Value: learnedValue}
	}
	if len(tally) < quorum {
		m.PutOutcomes.WithLabelValues(NoPromiseQuorum.String()).Inc()
		log.Info("round outcome", zap.String("kind", NoPromiseQuorum.String()), zap.String("key", key), zap.Int64("version", version), zap.Int("count", len(tally)))
		return Outcome{Kind: NoPromiseQuorum, Count: len(tally)}
	}

	proposal := candidate
	var maxAccepted ballot.Ballot
	for _, t := range tally {
		if t.accepted > maxAccepted {
			maxAccepted = t.accepted
			proposal = t.value
		}
	}

	acceptCount := acceptPhase(ctx, replicas, seq, key, version, proposal, log, m)
	if acceptCount < quorum {
		m.PutOutcomes.WithLabelValues(NoAcceptQuorum.String()).Inc()
		log.Info("round outcome", zap.String("kind", NoAcceptQuorum.String()), zap.String("key", key), zap.Int64("version", version), zap.Int("count", acceptCount))
		return Outcome{Kind: NoAcceptQuorum, Count: acceptCount}
	}

	learnCount := learnPhase(ctx, replicas, seq, key, version, log, m)
	if learnCount < quorum {
		m.PutOutcomes.WithLabelValues(NoLearnQuorum.String()).Inc()
		log.Info("round outcome", zap.String("kind", NoLearnQuorum.String()), zap.String("key", key), zap.Int64("version", version), zap.Int("count", learnCount))
		return Outcome{Kind: NoLearnQuorum, Count: learnCount}
	}

	if maxAccepted == 0 {
		m.PutOutcomes.WithLabelValues(Ok.String()).Inc()
		log.Info("round outcome", zap.String("kind", Ok.String()), zap.String("key", key), zap.Int64("version", version))
		return Outcome{Kind: Ok, Version: version}
	}
	m.PutOutcomes.WithLabelValues(Resolved.String()).Inc()
	log.Info("round outcome", zap.String("kind", Resolved.String()), zap.String("key", key), zap.Int64("version", version))
	return Outcome{Kind: Resolved, Value: proposal}
}

func promisePhase(ctx context.Context, replicas []Replica, seq ballot.Ballot, key string, version int64, log *zap.Logger, m *metrics.Metrics) ([]promiseResult, []byte, bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var tally []promiseResult
	var learnedValue []byte

	for _, idx := range shuffled(len(replicas)) {
		idx, r := idx, replicas[idx]
		g.Go(func() error {
			if err := r.EnsureRow(gctx, key, version); err != nil {
				log.Debug("promise attempt", zap.Int("replica", idx), zap.String("result", "transient"))
				m.PhaseAttempts.WithLabelValues("promise", "transient").Inc()
				return nil
			}
			row, exists, err := r.ReadRow(gctx, key, version)
			if err != nil || !exists {
				log.Debug("promise attempt", zap.Int("replica", idx), zap.String("result", "transient"))
				m.PhaseAttempts.WithLabelValues("promise", "transient").Inc()
				return nil
			}
			if row.Learned() {
				mu.Lock()
				learnedValue = row.Value
				mu.Unlock()
				log.Debug("promise attempt", zap.Int("replica", idx), zap.String("result", "already-learned"))
				m.PhaseAttempts.WithLabelValues("promise", "already-learned").Inc()
				return errAlreadyLearned
			}
			if row.PromisedValid && row.Promised >= seq {
				log.Debug("promise attempt", zap.Int("replica", idx), zap.String("result", "stale"))
				m.PhaseAttempts.WithLabelValues("promise", "stale").Inc()
				return nil
			}
			if err := r.UpdatePromised(gctx, key, version, seq); err != nil {
				log.Debug("promise attempt", zap.Int("replica", idx), zap.String("result", "transient"))
				m.PhaseAttempts.WithLabelValues("promise", "transient").Inc()
				return nil
			}
			mu.Lock()
			tally = append(tally, promiseResult{accepted: row.Accepted, value: row.Value})
			mu.Unlock()
			log.Debug("promise attempt", zap.Int("replica", idx), zap.String("result", "ok"))
			m.PhaseAttempts.WithLabelValues("promise", "ok").Inc()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, errAlreadyLearned) {
			return nil, learnedValue, true, nil
		}
		log.Warn("promise phase cancelled", zap.Error(err))
		return nil, nil, false, err
	}
	return tally, nil, false, nil
}

func acceptPhase(ctx context.Context, replicas []Replica, seq ballot.Ballot, key string, version int64, proposal []byte, log *zap.Logger, m *metrics.Metrics) int {
	g, gctx := errgroup.WithContext(ctx)
	var count int32
	for _, idx := range shuffled(len(replicas)) {
		idx, r := idx, replicas[idx]
		g.Go(func() error {
			ok, err := r.ConditionalAccept(gctx, key, version, seq, seq, proposal)
			if err != nil {
				log.Debug("accept attempt", zap.Int("replica", idx), zap.String("result", "transient"))
				m.PhaseAttempts.WithLabelValues("accept", "transient").Inc()
				return nil
			}
			if ok {
				atomic.AddInt32(&count, 1)
				log.Debug("accept attempt", zap.Int("replica", idx), zap.String("result", "ok"))
				m.PhaseAttempts.WithLabelValues("accept", "ok").Inc()
			} else {
				log.Debug("accept attempt", zap.Int("replica", idx), zap.String("result", "rejected"))
				m.PhaseAttempts.WithLabelValues("accept", "rejected").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(count)
}

func learnPhase(ctx context.Context, replicas []Replica, seq ballot.Ballot, key string, version int64, log *zap.Logger, m *metrics.Metrics) int {
	g, gctx := errgroup.WithContext(ctx)
	var count int32
	for _, idx := range shuffled(len(replicas)) {
		idx, r := idx, replicas[idx]
		g.Go(func() error {
			ok, err := r.ConditionalLearn(gctx, key, version, seq)
			if err != nil {
				log.Debug("learn attempt", zap.Int("replica", idx), zap.String("result", "transient"))
				m.PhaseAttempts.WithLabelValues("learn", "transient").Inc()
				return nil
			}
			if ok {
				atomic.AddInt32(&count, 1)
				log.Debug("learn attempt", zap.Int("replica", idx), zap.String("result", "ok"))
				m.PhaseAttempts.WithLabelValues("learn", "ok").Inc()
			} else {
				log.Debug("learn attempt", zap.Int("replica", idx), zap.String("result", "rejected"))
				m.PhaseAttempts.WithLabelValues("learn", "rejected").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(count)
}

func shuffled(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	rand.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	return order
}
