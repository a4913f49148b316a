// Package reader implements the read path: locate the highest learned
// version for a key across a quorum, then read-repair any lagging
// replica before returning.
package reader

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/senutpal/kvpaxos/internal/metrics"
)

// Replica is the narrow surface the Reader needs from a
// store.ReplicaStore.
type Replica interface {
	HighestLearned(ctx context.Context, key string) (version int64, value []byte, found bool, err error)
	ReadRepair(ctx context.Context, key string, version int64, value []byte) (bool, error)
}

// Kind tags the variant of an Outcome.
type Kind int

const (
	Ok Kind = iota
	NotFound
	NoQuorum
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case NotFound:
		return "not-found"
	case NoQuorum:
		return "no-quorum"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of one Get.
type Outcome struct {
	Kind    Kind
	Version int64
	Value   []byte
	Count   int
}

type probe struct {
	responded bool
	version   int64
	value     []byte
}

// Get locates the highest learned version across a quorum, read-repairs
// any lagging replica, and returns the agreed value.
func Get(ctx context.Context, replicas []Replica, quorum int, key string, log *zap.Logger, m *metrics.Metrics) Outcome {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	probes := make([]probe, len(replicas))
	{
		g, gctx := errgroup.WithContext(ctx)
		for i, r := range replicas {
			i, r := i, r
			g.Go(func() error {
				v, val, found, err := r.HighestLearned(gctx, key)
				if err != nil {
					return nil
				}
				probes[i].responded = true
				if found {
					probes[i].version = v
					probes[i].value = val
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	responded := 0
	var vStar int64
	var vStarValue []byte
	for _, p := range probes {
		if p.responded {
			responded++
		}
		if p.version > vStar {
			vStar = p.version
			vStarValue = p.value
		}
	}
	if responded < quorum {
		m.GetOutcomes.WithLabelValues(NoQuorum.String()).Inc()
		return Outcome{Kind: NoQuorum, Count: responded}
	}
	if vStar == 0 {
		m.GetOutcomes.WithLabelValues(NotFound.String()).Inc()
		return Outcome{Kind: NotFound}
	}

	var repaired int32
	{
		g, gctx := errgroup.WithContext(ctx)
		for i, r := range replicas {
			i, r := i, r
			g.Go(func() error {
				if probes[i].responded && probes[i].version == vStar {
					atomic.AddInt32(&repaired, 1)
					return nil
				}
				ok, err := r.ReadRepair(gctx, key, vStar, vStarValue)
				if err != nil {
					log.Debug("read-repair failed", zap.Int("replica", i), zap.Error(err))
					return nil
				}
				if ok {
					atomic.AddInt32(&repaired, 1)
					m.ReadRepairs.Inc()
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if int(repaired) < quorum {
		m.GetOutcomes.WithLabelValues(NoQuorum.String()).Inc()
		return Outcome{Kind: NoQuorum, Count: int(repaired)}
	}
	m.GetOutcomes.WithLabelValues(Ok.String()).Inc()
	return Outcome{Kind: Ok, Version: vStar, Value: vStarValue, Count: int(repaired)}
}
