package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mehmetymw/ddb2search/internal/checkpoint"
	"github.com/mehmetymw/ddb2search/internal/metrics"
	"github.com/mehmetymw/ddb2search/internal/sink"
	"github.com/mehmetymw/ddb2search/internal/types"
)

type Options struct {
	Table             string
	PollInterval      time.Duration
	DiscoveryInterval time.Duration
	Limit             int
	RPS               float64
	// Acknowledgments makes checkpoints wait until every record of a batch
	// is settled by the sink.
	Acknowledgments bool
	// DrainTimeout bounds how long an in-flight batch may keep running
	// after shutdown is requested.
	DrainTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.DiscoveryInterval <= 0 {
		o.DiscoveryInterval = time.Minute
	}
	if o.Limit <= 0 {
		o.Limit = 1000
	}
	if o.RPS <= 0 {
		o.RPS = 5
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	return o
}

type shardState struct {
	shard   Shard
	cp      types.ShardCheckpoint
	state   types.ShardState
	version types.Version
	active  bool
	done    chan struct{}
}

type Reader struct {
	src     Source
	store   checkpoint.Store
	handler Handler
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	shards map[string]*shardState
	primed map[string]string
	fail   context.CancelCauseFunc
	wg     sync.WaitGroup

	backlog atomic.Int64
}

func NewReader(src Source, store checkpoint.Store, handler Handler, opts Options, m *metrics.Metrics, logger *zap.Logger) *Reader {
	opts = opts.withDefaults()
	return &Reader{
		src:     src,
		store:   store,
		handler: handler,
		opts:    opts,
		metrics: m,
		logger:  logger.With(zap.String("table", opts.Table)),
		shards:  make(map[string]*shardState),
		primed:  make(map[string]string),
	}
}

// Backlog is the number of records handed to the handler whose batch has
// not been acknowledged yet.
func (r *Reader) Backlog() int {
	return int(r.backlog.Load())
}

// Prime positions every open shard at the live tail and persists it, so a
// later export's point in time is never ahead of the stream's start. Closed
// shards hold no new records and are recorded as exhausted.
func (r *Reader) Prime(ctx context.Context) error {
	shards, err := r.discover(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	primed := 0
	for _, sh := range shards {
		cp := types.ShardCheckpoint{ShardID: sh.ID, ParentShardID: sh.ParentID, State: types.ShardExhausted, UpdatedAt: now}
		if !sh.Closed() {
			cursor, err := r.open(ctx, sh.ID, Position{Type: Latest})
			if err != nil {
				return fmt.Errorf("prime shard %s: %w", sh.ID, err)
			}
			r.mu.Lock()
			r.primed[sh.ID] = cursor
			r.mu.Unlock()
			cp.State = types.ShardOpen
			primed++
		}
		if err := r.store.Save(ctx, r.opts.Table, cp); err != nil {
			r.metrics.CheckpointFailure()
			return err
		}
	}
	r.logger.Info("Primed stream at latest position",
		zap.Int("shards", len(shards)),
		zap.Int("open", primed))
	return nil
}

// Run reads every shard until ctx is cancelled or a fatal error occurs.
// Cancellation lets in-flight batches finish and checkpoint first.
func (r *Reader) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.mu.Lock()
	r.fail = cancel
	r.mu.Unlock()

	cps, err := r.store.Load(ctx, r.opts.Table)
	if err != nil {
		return err
	}
	shards, err := r.discover(ctx)
	if err != nil {
		return err
	}
	if err := r.checkGap(cps, shards); err != nil {
		return err
	}
	r.seed(cps)
	r.logger.Info("Starting stream reader",
		zap.Int("checkpoints", len(cps)),
		zap.Int("shards", len(shards)))
	r.refresh(runCtx, shards)

	ticker := time.NewTicker(r.opts.DiscoveryInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		case <-ticker.C:
			shards, err := r.src.Shards(runCtx)
			if err != nil {
				r.logger.Warn("Shard discovery failed", zap.Error(err))
				continue
			}
			r.refresh(runCtx, shards)
		}
	}
	r.wg.Wait()
	if cause := context.Cause(runCtx); cause != nil && cause != ctx.Err() {
		return cause
	}
	r.logger.Info("Stream reader stopped")
	return nil
}

func (r *Reader) discover(ctx context.Context) ([]Shard, error) {
	var shards []Shard
	err := types.Retry(ctx, 5, types.Backoff{Initial: r.opts.PollInterval, Max: 30 * time.Second}, func(int) error {
		var err error
		shards, err = r.src.Shards(ctx)
		return err
	})
	return shards, err
}

// checkGap reports shards whose checkpoint is not exhausted but which are
// no longer in the topology: their unread records are gone.
func (r *Reader) checkGap(cps []types.ShardCheckpoint, shards []Shard) error {
	live := make(map[string]bool, len(shards))
	for _, sh := range shards {
		live[sh.ID] = true
	}
	for _, cp := range cps {
		if cp.State != types.ShardExhausted && !live[cp.ShardID] {
			return fmt.Errorf("%w: shard %s (sequence %q) is no longer retained", ErrRetentionGap, cp.ShardID, cp.Sequence)
		}
	}
	return nil
}

func (r *Reader) seed(cps []types.ShardCheckpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cp := range cps {
		if _, ok := r.shards[cp.ShardID]; ok {
			continue
		}
		st := &shardState{
			shard:   Shard{ID: cp.ShardID, ParentID: cp.ParentShardID},
			cp:      cp,
			state:   cp.State,
			version: cp.Version,
			done:    make(chan struct{}),
		}
		if cp.State == types.ShardExhausted {
			close(st.done)
		}
		r.shards[cp.ShardID] = st
	}
}

// refresh registers newly discovered shards and starts a worker for every
// shard that is not exhausted and has none yet.
func (r *Reader) refresh(ctx context.Context, shards []Shard) {
	var start []*shardState
	r.mu.Lock()
	for _, sh := range shards {
		st, ok := r.shards[sh.ID]
		if !ok {
			st = &shardState{
				shard: sh,
				cp:    types.ShardCheckpoint{ShardID: sh.ID, ParentShardID: sh.ParentID},
				state: types.ShardDiscovered,
				done:  make(chan struct{}),
			}
			r.shards[sh.ID] = st
			r.logger.Info("Discovered shard",
				zap.String("shard", sh.ID),
				zap.String("parent", sh.ParentID))
		}
		if st.active || st.state == types.ShardExhausted {
			continue
		}
		st.active = true
		start = append(start, st)
	}
	r.reportStatesLocked()
	r.mu.Unlock()

	for _, st := range start {
		r.wg.Add(1)
		go r.runShard(ctx, st)
	}
}

func (r *Reader) fatal(err error) {
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	r.logger.Error("Stream reader failed", zap.Error(err))
	if fail != nil {
		fail(err)
	}
}

func (r *Reader) runShard(ctx context.Context, st *shardState) {
	defer r.wg.Done()
	logger := r.logger.With(zap.String("shard", st.shard.ID))

	if err := r.awaitParent(ctx, st); err != nil {
		return
	}
	cursor, err := r.resume(ctx, st)
	if err != nil {
		if ctx.Err() == nil {
			r.fatal(err)
		}
		return
	}
	r.mu.Lock()
	st.state = types.ShardOpen
	r.reportStatesLocked()
	r.mu.Unlock()
	logger.Info("Reading shard",
		zap.String("after_sequence", st.cp.Sequence),
		zap.Int64("version_floor", int64(st.version)))

	limiter := rate.NewLimiter(rate.Limit(r.opts.RPS), 1)
	backoff := types.Backoff{Initial: r.opts.PollInterval, Max: 30 * time.Second}
	failures := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		batch, err := r.src.Fetch(ctx, cursor, r.opts.Limit)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			switch {
			case errors.Is(err, ErrExpiredCursor):
				logger.Info("Shard cursor expired, reopening")
				cursor, err = r.reopen(ctx, st)
				if err != nil {
					if ctx.Err() == nil {
						r.fatal(err)
					}
					return
				}
			case errors.Is(err, ErrTrimmed):
				r.fatal(fmt.Errorf("%w: shard %s: %v", ErrRetentionGap, st.shard.ID, err))
				return
			case types.IsTransient(err):
				failures++
				logger.Warn("Fetch failed, backing off", zap.Int("failures", failures), zap.Error(err))
				if types.Sleep(ctx, backoff.Delay(failures)) != nil {
					return
				}
			default:
				r.fatal(fmt.Errorf("fetch shard %s: %w", st.shard.ID, err))
				return
			}
			continue
		}
		failures = 0

		records := r.accept(st, batch.Records)
		if len(records) > 0 {
			if err := r.deliver(ctx, st, records); err != nil {
				if errors.Is(err, checkpoint.ErrPersist) || errors.Is(err, checkpoint.ErrRegression) {
					r.metrics.CheckpointFailure()
					r.fatal(fmt.Errorf("shard %s: %w", st.shard.ID, err))
					return
				}
				if ctx.Err() != nil {
					return
				}
				logger.Warn("Batch not acknowledged, redelivering from checkpoint",
					zap.Int("records", len(records)),
					zap.Error(err))
				st.version = st.cp.Version
				if types.Sleep(ctx, backoff.Delay(1)) != nil {
					return
				}
				cursor, err = r.reopen(ctx, st)
				if err != nil {
					if ctx.Err() == nil {
						r.fatal(err)
					}
					return
				}
				continue
			}
			last := records[len(records)-1]
			if !last.ApproximateTime.IsZero() {
				r.metrics.ShardLag(r.opts.Table, st.shard.ID, time.Since(last.ApproximateTime))
			}
		}

		if batch.Closed {
			if err := r.exhaust(ctx, st); err != nil {
				r.metrics.CheckpointFailure()
				r.fatal(fmt.Errorf("shard %s: %w", st.shard.ID, err))
			}
			return
		}
		cursor = batch.Next
		if len(batch.Records) == 0 {
			if types.Sleep(ctx, r.opts.PollInterval) != nil {
				return
			}
		}
	}
}

// awaitParent blocks until the parent shard, if known, is exhausted, and
// carries its last version over as this shard's floor.
func (r *Reader) awaitParent(ctx context.Context, st *shardState) error {
	r.mu.Lock()
	parent := r.shards[st.shard.ParentID]
	r.mu.Unlock()
	if parent == nil {
		return nil
	}
	select {
	case <-parent.done:
	default:
		r.logger.Debug("Waiting for parent shard",
			zap.String("shard", st.shard.ID),
			zap.String("parent", parent.shard.ID))
		select {
		case <-parent.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	if parent.cp.Version > st.version {
		st.version = parent.cp.Version
	}
	r.mu.Unlock()
	return nil
}

// resume returns the cursor a worker starts from: a cursor primed in this
// process, the position after the last checkpoint, or the oldest retained
// record when nothing has been checkpointed.
func (r *Reader) resume(ctx context.Context, st *shardState) (string, error) {
	r.mu.Lock()
	cursor, ok := r.primed[st.shard.ID]
	delete(r.primed, st.shard.ID)
	r.mu.Unlock()
	if ok && st.cp.Sequence == "" {
		return cursor, nil
	}
	return r.reopen(ctx, st)
}

func (r *Reader) reopen(ctx context.Context, st *shardState) (string, error) {
	pos := Position{Type: TrimHorizon}
	if st.cp.Sequence != "" {
		pos = Position{Type: AfterSequence, Sequence: st.cp.Sequence}
	}
	return r.open(ctx, st.shard.ID, pos)
}

func (r *Reader) open(ctx context.Context, shardID string, pos Position) (string, error) {
	backoff := types.Backoff{Initial: r.opts.PollInterval, Max: 30 * time.Second}
	for attempt := 1; ; attempt++ {
		cursor, err := r.src.Open(ctx, shardID, pos)
		switch {
		case err == nil:
			return cursor, nil
		case errors.Is(err, ErrTrimmed):
			return "", fmt.Errorf("%w: shard %s at %s %s: %v", ErrRetentionGap, shardID, pos.Type, pos.Sequence, err)
		case !types.IsTransient(err):
			return "", fmt.Errorf("open shard %s: %w", shardID, err)
		}
		r.logger.Warn("Opening shard failed, backing off",
			zap.String("shard", shardID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if serr := types.Sleep(ctx, backoff.Delay(attempt)); serr != nil {
			return "", serr
		}
	}
}

// accept drops records at or behind the checkpoint, enforces
// non-decreasing sequence order and assigns versions.
func (r *Reader) accept(st *shardState, in []types.ChangeEvent) []types.ChangeEvent {
	out := make([]types.ChangeEvent, 0, len(in))
	floor := st.cp.Sequence
	for _, ev := range in {
		if floor != "" && types.CompareSequence(ev.Sequence, floor) < 0 {
			r.logger.Debug("Skipping record behind checkpoint",
				zap.String("shard", st.shard.ID),
				zap.String("sequence", ev.Sequence))
			continue
		}
		floor = ev.Sequence
		ev.Table = r.opts.Table
		ev.ShardID = st.shard.ID
		if ev.Version == 0 {
			ev.Version = types.NextVersion(st.version, ev.ApproximateTime.UnixMilli())
		}
		if ev.Version > st.version {
			st.version = ev.Version
		}
		out = append(out, ev)
	}
	return out
}

// deliver hands records to the handler as one acknowledgement group and
// persists the checkpoint once the group is settled.
func (r *Reader) deliver(ctx context.Context, st *shardState, records []types.ChangeEvent) error {
	bctx, cancel := r.drainContext(ctx)
	defer cancel()

	n := int64(len(records))
	r.backlog.Add(n)
	defer r.backlog.Add(-n)

	group := sink.NewGroup()
	for _, ev := range records {
		if err := r.handler.Change(bctx, ev, group); err != nil {
			return err
		}
	}
	if r.opts.Acknowledgments {
		if err := group.Wait(bctx); err != nil {
			return err
		}
	}

	last := records[len(records)-1]
	next := st.cp
	next.Sequence = last.Sequence
	next.Version = st.version
	next.State = types.ShardOpen
	next.UpdatedAt = time.Now().UTC()
	if err := r.save(bctx, st, next); err != nil {
		return err
	}
	if c, ok := r.src.(Committer); ok {
		if err := c.Commit(bctx, st.shard.ID, next.Sequence); err != nil {
			r.logger.Warn("Source commit failed", zap.String("shard", st.shard.ID), zap.Error(err))
		}
	}
	return nil
}

func (r *Reader) exhaust(ctx context.Context, st *shardState) error {
	r.mu.Lock()
	st.state = types.ShardClosed
	r.reportStatesLocked()
	r.mu.Unlock()

	next := st.cp
	next.Version = st.version
	next.State = types.ShardExhausted
	next.UpdatedAt = time.Now().UTC()
	bctx, cancel := r.drainContext(ctx)
	defer cancel()
	if err := r.save(bctx, st, next); err != nil {
		return err
	}
	close(st.done)
	r.metrics.ForgetShard(r.opts.Table, st.shard.ID)
	r.logger.Info("Shard exhausted",
		zap.String("shard", st.shard.ID),
		zap.String("sequence", next.Sequence))
	return nil
}

func (r *Reader) save(ctx context.Context, st *shardState, cp types.ShardCheckpoint) error {
	if err := r.store.Save(ctx, r.opts.Table, cp); err != nil {
		if !errors.Is(err, checkpoint.ErrPersist) && !errors.Is(err, checkpoint.ErrRegression) {
			err = fmt.Errorf("%w: %w", checkpoint.ErrPersist, err)
		}
		return err
	}
	r.mu.Lock()
	st.cp = cp
	st.state = cp.State
	r.reportStatesLocked()
	r.mu.Unlock()
	return nil
}

// drainContext outlives ctx by DrainTimeout so a batch already handed off
// can be acknowledged and checkpointed during shutdown.
func (r *Reader) drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var timer *time.Timer
	var mu sync.Mutex
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		timer = time.AfterFunc(r.opts.DrainTimeout, cancel)
		mu.Unlock()
	})
	return bctx, func() {
		stop()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel()
	}
}

func (r *Reader) reportStatesLocked() {
	counts := map[string]int{
		string(types.ShardDiscovered): 0,
		string(types.ShardOpen):       0,
		string(types.ShardClosed):     0,
		string(types.ShardExhausted):  0,
	}
	for _, st := range r.shards {
		counts[string(st.state)]++
	}
	r.metrics.ShardStates(r.opts.Table, counts)
}

// Checkpoints returns the last persisted position of every known shard.
func (r *Reader) Checkpoints() []types.ShardCheckpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ShardCheckpoint, 0, len(r.shards))
	for _, st := range r.shards {
		cp := st.cp
		cp.State = st.state
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out
}
