package distributed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/floodgate/core"
	"github.com/yourusername/floodgate/store"
)

func testBucket(t *testing.T, cfg core.Config, opts ...Option) (*Bucket, *core.ManualClock) {
	t.Helper()
	clk := core.NewManualClock(time.Unix(1_700_000_000, 0))
	st := store.NewMemoryStore(store.WithMemoryClock(clk))
	b, err := NewBucket(st, "api", cfg, append([]Option{WithClock(clk)}, opts...)...)
	if err != nil {
		t.Fatalf("NewBucket() failed: %v", err)
	}
	return b, clk
}

func TestNewBucket_Validation(t *testing.T) {
	st := store.NewMemoryStore()

	if _, err := NewBucket(nil, "k", core.Config{Capacity: 1, RefillRate: 1}); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("nil store: err = %v, want configuration error", err)
	}
	if _, err := NewBucket(st, "", core.Config{Capacity: 1, RefillRate: 1}); !errors.Is(err, core.ErrInvalidKey) {
		t.Errorf("empty key: err = %v, want ErrInvalidKey", err)
	}
	if _, err := NewBucket(st, "k", core.Config{Capacity: 0, RefillRate: 1}); !errors.Is(err, core.ErrInvalidCapacity) {
		t.Errorf("zero capacity: err = %v, want ErrInvalidCapacity", err)
	}
	if _, err := NewBucket(st, "k", core.Config{Capacity: 1, RefillRate: 1}, WithTTL(-time.Second)); !errors.Is(err, core.ErrInvalidDuration) {
		t.Errorf("negative ttl: err = %v, want ErrInvalidDuration", err)
	}
	if _, err := NewBucket(st, "k", core.Config{Capacity: 1, RefillRate: 1}, WithInsuranceConfig(core.Config{})); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("bad insurance config: err = %v, want configuration error", err)
	}
}

func TestBucket_AllowN(t *testing.T) {
	b, clk := testBucket(t, core.Config{Capacity: 10, RefillRate: 1})
	ctx := context.Background()

	res, err := b.AllowN(ctx, 4)
	if err != nil {
		t.Fatalf("AllowN() failed: %v", err)
	}
	if !res.Allowed || res.Tokens != 6 || res.Source != core.SourceRedis {
		t.Fatalf("got %+v, want allowed with 6 tokens from redis", res)
	}

	res, _ = b.AllowN(ctx, 7)
	if res.Allowed || res.Reason != core.ReasonInsufficientTokens {
		t.Fatalf("got %+v, want insufficient-tokens denial", res)
	}
	if res.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s for a 1-token deficit at 1/s", res.RetryAfter)
	}

	// Refill restores admission.
	clk.Advance(4 * time.Second)
	res, _ = b.AllowN(ctx, 7)
	if !res.Allowed || res.Tokens != 3 {
		t.Fatalf("got %+v, want allowed with 3 tokens after refill", res)
	}

	if _, err := b.AllowN(ctx, -1); !errors.Is(err, core.ErrInvalidCost) {
		t.Errorf("negative cost: err = %v, want ErrInvalidCost", err)
	}
}

func TestBucket_SharedBudget(t *testing.T) {
	// Two handles on one key drain the same remote budget.
	clk := core.NewManualClock(time.Unix(1_700_000_000, 0))
	st := store.NewMemoryStore(store.WithMemoryClock(clk))
	ctx := context.Background()

	a, _ := NewBucket(st, "shared", core.Config{Capacity: 10, RefillRate: 1}, WithClock(clk))
	b, _ := NewBucket(st, "shared", core.Config{Capacity: 10, RefillRate: 1}, WithClock(clk))

	a.AllowN(ctx, 6)
	res, _ := b.AllowN(ctx, 6)
	if res.Allowed {
		t.Fatalf("got %+v, want denial: budget already spent by the other handle", res)
	}
	res, _ = b.AllowN(ctx, 4)
	if !res.Allowed || res.Tokens != 0 {
		t.Fatalf("got %+v, want the remaining 4 tokens", res)
	}
}

func TestBucket_ConcurrentAdmissions(t *testing.T) {
	// 250 concurrent unit requests against capacity 100 at a frozen instant
	// admit exactly 100 in total.
	b, _ := testBucket(t, core.Config{Capacity: 100, RefillRate: 1})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 250; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := b.Allow(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 100 {
		t.Errorf("allowed = %d, want exactly 100", allowed)
	}
}

func TestBucket_PenaltyAndReward(t *testing.T) {
	b, _ := testBucket(t, core.Config{Capacity: 100, RefillRate: 10})
	ctx := context.Background()

	var events []core.Event
	b.On(core.EventPenalty, func(ev core.Event) { events = append(events, ev) })
	b.On(core.EventReward, func(ev core.Event) { events = append(events, ev) })

	// Penalty may push the balance negative.
	remaining, err := b.Penalty(ctx, 150)
	if err != nil {
		t.Fatalf("Penalty() failed: %v", err)
	}
	if remaining != -50 {
		t.Errorf("remaining = %v, want -50", remaining)
	}

	// Reward is capped at capacity.
	remaining, err = b.Reward(ctx, 500)
	if err != nil {
		t.Fatalf("Reward() failed: %v", err)
	}
	if remaining != 100 {
		t.Errorf("remaining = %v, want capped at 100", remaining)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want penalty and reward", len(events))
	}
	reward, ok := events[1].Data.(core.RewardData)
	if !ok || !reward.CappedAtCapacity || reward.RewardApplied != 150 {
		t.Errorf("reward payload = %+v, want capped with 150 applied", events[1].Data)
	}

	if _, err := b.Penalty(ctx, 0); !errors.Is(err, core.ErrInvalidPoints) {
		t.Errorf("zero points: err = %v, want ErrInvalidPoints", err)
	}
}

func TestBucket_BlockAndExpiry(t *testing.T) {
	b, clk := testBucket(t, core.Config{Capacity: 10, RefillRate: 1})
	ctx := context.Background()

	if err := b.Block(ctx, 0); !errors.Is(err, core.ErrInvalidDuration) {
		t.Fatalf("zero duration: err = %v, want ErrInvalidDuration", err)
	}

	if err := b.Block(ctx, time.Minute); err != nil {
		t.Fatalf("Block() failed: %v", err)
	}
	res, _ := b.Allow(ctx)
	if res.Allowed || res.Reason != core.ReasonBlocked {
		t.Fatalf("got %+v, want blocked denial", res)
	}
	if blocked, _ := b.IsBlocked(ctx); !blocked {
		t.Error("IsBlocked() = false during an active block")
	}

	// Tokens are untouched by blocked denials.
	clk.Advance(2 * time.Minute)
	res, _ = b.Allow(ctx)
	if !res.Allowed {
		t.Fatalf("got %+v, want allowed after the block key TTL expired", res)
	}
	if blocked, _ := b.IsBlocked(ctx); blocked {
		t.Error("IsBlocked() = true after expiry")
	}
}

func TestBucket_Unblock(t *testing.T) {
	b, _ := testBucket(t, core.Config{Capacity: 10, RefillRate: 1})
	ctx := context.Background()

	var unblocked []core.Event
	b.On(core.EventUnblocked, func(ev core.Event) { unblocked = append(unblocked, ev) })

	// Nothing to lift.
	if removed, err := b.Unblock(ctx); err != nil || removed {
		t.Fatalf("Unblock() = %v, %v, want false on an unblocked bucket", removed, err)
	}

	b.Block(ctx, time.Hour)
	removed, err := b.Unblock(ctx)
	if err != nil || !removed {
		t.Fatalf("Unblock() = %v, %v, want true", removed, err)
	}
	res, _ := b.Allow(ctx)
	if !res.Allowed {
		t.Fatalf("got %+v, want allowed after manual unblock", res)
	}

	if len(unblocked) != 1 {
		t.Fatalf("got %d unblocked events, want 1", len(unblocked))
	}
	data := unblocked[0].Data.(core.UnblockedData)
	if data.Reason != core.ReasonManual || !data.WasBlocked {
		t.Errorf("payload = %+v, want manual unblock", data)
	}
}

func TestBucket_State(t *testing.T) {
	b, _ := testBucket(t, core.Config{Capacity: 10, RefillRate: 2})
	ctx := context.Background()

	// Untouched key reports a full bucket.
	ds, err := b.State(ctx)
	if err != nil {
		t.Fatalf("State() failed: %v", err)
	}
	if !ds.TokensFull || ds.AvailableTokens != 10 {
		t.Fatalf("got %+v, want full bucket", ds)
	}

	b.AllowN(ctx, 4)
	b.Block(ctx, 20*time.Second)
	ds, _ = b.State(ctx)
	if ds.Tokens != 6 || ds.AvailableTokens != 6 {
		t.Errorf("tokens = %v/%d, want 6", ds.Tokens, ds.AvailableTokens)
	}
	if ds.TimeToFull != 2*time.Second {
		t.Errorf("TimeToFull = %v, want 2s for a 4-token deficit at 2/s", ds.TimeToFull)
	}
	if !ds.Blocked || ds.BlockRemaining != 20*time.Second {
		t.Errorf("block report = %v/%v, want blocked with 20s remaining", ds.Blocked, ds.BlockRemaining)
	}
	if ds.UtilizationPercent != 40 {
		t.Errorf("UtilizationPercent = %v, want 40", ds.UtilizationPercent)
	}
}

func TestBucket_ExportImport(t *testing.T) {
	b, clk := testBucket(t, core.Config{Capacity: 100, RefillRate: 2})
	ctx := context.Background()

	b.AllowN(ctx, 52.5)
	b.Block(ctx, time.Hour)

	snap, err := b.ExportState(ctx)
	if err != nil {
		t.Fatalf("ExportState() failed: %v", err)
	}
	if !snap.HasState() || *snap.Tokens != 47.5 {
		t.Fatalf("snapshot = %+v, want 47.5 tokens", snap)
	}
	if snap.Key != "api" || snap.Metadata.ClassName != core.SnapshotKindDistributed {
		t.Errorf("identity = %q/%q, want api/DistributedBucket", snap.Key, snap.Metadata.ClassName)
	}
	if snap.BlockUntil != clk.Now().Add(time.Hour).UnixMilli() {
		t.Errorf("BlockUntil = %d, want the block deadline", snap.BlockUntil)
	}

	// Import into a fresh key on a fresh store.
	clk2 := core.NewManualClock(clk.Now())
	st2 := store.NewMemoryStore(store.WithMemoryClock(clk2))
	restored, err := FromSnapshot(st2, snap, WithClock(clk2))
	if err != nil {
		t.Fatalf("FromSnapshot() failed: %v", err)
	}
	if err := restored.ImportState(ctx, snap); err != nil {
		t.Fatalf("ImportState() failed: %v", err)
	}

	ds, _ := restored.State(ctx)
	if ds.Tokens != 47.5 || ds.AvailableTokens != 47 || !ds.Blocked {
		t.Fatalf("restored state = %+v, want 47.5 tokens (47 whole) and an active block", ds)
	}
	res, _ := restored.Allow(ctx)
	if res.Allowed {
		t.Error("imported block must deny admission")
	}
}

func TestBucket_ImportState_Validation(t *testing.T) {
	b, _ := testBucket(t, core.Config{Capacity: 100, RefillRate: 2})
	ctx := context.Background()

	tokens := func(v float64) *float64 { return &v }
	base := core.Snapshot{Version: core.SnapshotVersion, Key: "api", Capacity: 100, RefillRate: 2}

	configOnly := base
	if err := b.ImportState(ctx, configOnly); !errors.Is(err, core.ErrInvalidSnapshot) {
		t.Errorf("config-only: err = %v, want ErrInvalidSnapshot", err)
	}

	debt := base
	debt.Tokens = tokens(-5)
	if err := b.ImportState(ctx, debt); !errors.Is(err, core.ErrInvalidSnapshot) {
		t.Errorf("negative tokens: err = %v, want ErrInvalidSnapshot", err)
	}

	wrongVersion := base
	wrongVersion.Version = 2
	wrongVersion.Tokens = tokens(5)
	if err := b.ImportState(ctx, wrongVersion); !errors.Is(err, core.ErrInvalidSnapshot) {
		t.Errorf("wrong version: err = %v, want ErrInvalidSnapshot", err)
	}

	// Nothing was written by the rejected imports.
	ds, _ := b.State(ctx)
	if !ds.TokensFull {
		t.Errorf("state after rejected imports = %+v, want untouched full bucket", ds)
	}
}

func TestFromSnapshot_RequiresKey(t *testing.T) {
	st := store.NewMemoryStore()
	snap := core.Snapshot{Version: core.SnapshotVersion, Capacity: 10, RefillRate: 1}
	if _, err := FromSnapshot(st, snap); !errors.Is(err, core.ErrInvalidKey) {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
}

func TestBucket_KeyPrefix(t *testing.T) {
	clk := core.NewManualClock(time.Unix(1_700_000_000, 0))
	st := store.NewMemoryStore(store.WithMemoryClock(clk))
	ctx := context.Background()

	b, _ := NewBucket(st, "api", core.Config{Capacity: 10, RefillRate: 1},
		WithClock(clk), WithKeyPrefix("custom:"))
	b.Allow(ctx)

	fields, _ := st.ReadState(ctx, "custom:api")
	if fields == nil {
		t.Fatal("state not written under the custom prefix")
	}
	if fields, _ := st.ReadState(ctx, DefaultKeyPrefix+"api"); fields != nil {
		t.Error("state leaked under the default prefix")
	}
}
