package local

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/psantana5/sweepbatch/pkg/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubmitRunsEveryShard(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]bool{}
	run := func(ctx context.Context, id int) error {
		mu.Lock()
		seen[id] = true
		mu.Unlock()
		return nil
	}

	p := New(3, 0, run, logging.Discard(), nil)
	h, err := p.Submit(context.Background(), 10)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.Detached() || h.Shards != 10 || len(h.IDs) != 1 {
		t.Errorf("unexpected handle %+v", h)
	}
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(seen) != 10 {
		t.Errorf("ran %d shards, want 10", len(seen))
	}
}

func TestSubmitRespectsPoolSize(t *testing.T) {
	var active, peak int32
	run := func(ctx context.Context, id int) error {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	}

	h, err := New(2, 0, run, logging.Discard(), nil).Submit(context.Background(), 8)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if peak > 2 {
		t.Errorf("peak concurrency %d exceeds pool size 2", peak)
	}
}

func TestFailuresDoNotCancelSiblings(t *testing.T) {
	var ran int32
	run := func(ctx context.Context, id int) error {
		atomic.AddInt32(&ran, 1)
		if id == 1 || id == 3 {
			return errors.New("engine crashed")
		}
		return ctx.Err()
	}

	h, err := New(2, 0, run, logging.Discard(), nil).Submit(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	err = h.Wait(context.Background())
	if err == nil {
		t.Fatal("expected joined shard errors")
	}
	if ran != 5 {
		t.Errorf("ran %d shards, want 5", ran)
	}
	for _, want := range []string{"shard 1: engine crashed", "shard 3: engine crashed"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	run := func(ctx context.Context, id int) error {
		<-release
		return nil
	}
	h, err := New(1, 0, run, logging.Discard(), nil).Submit(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, want deadline exceeded", err)
	}

	close(release)
	if err := h.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestCapacity(t *testing.T) {
	p := New(4, 0, nil, logging.Discard(), nil)
	if c := p.Capacity(); c.TargetShards != 16 || c.MinUnitsPerShard != 1 {
		t.Errorf("Capacity() = %+v", c)
	}
	if c := New(4, 7, nil, logging.Discard(), nil).Capacity(); c.TargetShards != 7 {
		t.Errorf("explicit shard count ignored: %+v", c)
	}
	if New(0, 0, nil, logging.Discard(), nil).Workers() < 1 {
		t.Error("default pool size must be positive")
	}
	if _, err := p.Submit(context.Background(), 1); err == nil {
		t.Error("expected error without a shard runner")
	}
}
