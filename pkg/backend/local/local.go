// Package local runs shards on a bounded pool of goroutines on this host.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/psantana5/sweepbatch/pkg/backend"
	"github.com/psantana5/sweepbatch/pkg/metrics"
	"github.com/psantana5/sweepbatch/pkg/models"
)

// Name is the registry name of the local backend
const Name = "local"

// ShardRunner executes one staged shard
type ShardRunner func(ctx context.Context, shardID int) error

// Pool is the local worker-pool backend
type Pool struct {
	workers int
	shards  int
	run     ShardRunner
	log     logrus.FieldLogger
	metrics *metrics.Collector
}

// New creates a pool of size workers. A non-positive size falls back to the
// logical CPU count. shards is the requested shard count, 0 for the default.
func New(workers, shards int, run ShardRunner, log logrus.FieldLogger, m *metrics.Collector) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	return &Pool{workers: workers, shards: shards, run: run, log: log, metrics: m}
}

// DefaultWorkers is the logical CPU count, or 1 if it cannot be read
func DefaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func (p *Pool) Name() string { return Name }

// Workers returns the pool size
func (p *Pool) Workers() int { return p.workers }

// Capacity gives every worker several small shards so slow units even out.
func (p *Pool) Capacity() backend.Capacity {
	target := p.shards
	if target <= 0 {
		target = p.workers * 4
	}
	return backend.Capacity{
		MaxShards:        target,
		MinUnitsPerShard: 1,
		TargetShards:     target,
	}
}

// Bootstrap has nothing to provision
func (p *Pool) Bootstrap(ctx context.Context) ([]models.BackendResource, error) {
	return nil, nil
}

// Submit starts shards 0..shardCount-1 in the background. A failing shard
// does not stop its siblings; Wait joins every shard error.
func (p *Pool) Submit(ctx context.Context, shardCount int) (*backend.Handle, error) {
	if p.run == nil {
		return nil, errors.New("local backend has no shard runner")
	}
	if shardCount < 0 {
		return nil, fmt.Errorf("invalid shard count %d", shardCount)
	}

	id := uuid.NewString()
	log := p.log.WithFields(logrus.Fields{"backend": Name, "submission": id})
	log.WithFields(logrus.Fields{"shards": shardCount, "workers": p.workers}).Info("Submitting shards to local pool")
	p.metrics.ShardsSubmitted(Name, shardCount)

	var (
		mu   sync.Mutex
		errs []error
		done = make(chan struct{})
	)

	var g errgroup.Group
	g.SetLimit(p.workers)
	go func() {
		defer close(done)
		for i := 0; i < shardCount; i++ {
			shardID := i
			g.Go(func() error {
				if err := p.run(ctx, shardID); err != nil {
					log.WithError(err).WithField("shard", shardID).Error("Shard failed")
					mu.Lock()
					errs = append(errs, fmt.Errorf("shard %d: %w", shardID, err))
					mu.Unlock()
				}
				return nil
			})
		}
		g.Wait()
	}()

	wait := func(wctx context.Context) error {
		select {
		case <-done:
		case <-wctx.Done():
			return wctx.Err()
		}
		mu.Lock()
		defer mu.Unlock()
		return errors.Join(errs...)
	}
	return backend.NewHandle(Name, []string{id}, shardCount, wait), nil
}
