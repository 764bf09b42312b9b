package core

import (
	"CohortLedger/internal/cohort"
	"CohortLedger/internal/event"
	fpmath "CohortLedger/internal/math"
	"CohortLedger/internal/observability"
	"CohortLedger/internal/state"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
)

// EngineConfig tunes the block engine.
type EngineConfig struct {
	Workers           int    // per-cohort parallelism
	InvariantInterval uint64 // full invariant sweep every N heights, 0 disables
	ReorgWindow       uint64 // recent block hashes kept for redelivery checks
}

// Engine applies blocks to every cohort. A block is applied as one atomic
// step: validation happens before any mutation, and cohorts are updated in
// parallel with one task per cohort.
//
// mu is the flush barrier: ProcessBlock and Checkpoint hold it exclusively,
// so a checkpoint always sees a whole number of blocks.
type Engine struct {
	mu sync.RWMutex

	router    *cohort.Router
	defs      []cohort.Definition
	cohorts   []*state.CohortState
	hasher    *StateHasher
	validator *HeightValidator
	pool      pond.Pool
	latest    *xsync.Map[string, CohortRecord]
	cfg       EngineConfig

	lastChain *ChainState

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewEngine(
	router *cohort.Router,
	cfg EngineConfig,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Engine{
		router:    router,
		defs:      router.Definitions(),
		cohorts:   router.NewStates(),
		hasher:    NewStateHasher(),
		validator: NewHeightValidator(cfg.ReorgWindow),
		pool:      pond.NewPool(cfg.Workers),
		latest:    xsync.NewMap[string, CohortRecord](),
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// Close stops the worker pool.
func (e *Engine) Close() {
	e.pool.StopAndWait()
}

// ProcessBlock applies block and returns its outputs.
//
// Returns ErrHeightGap, ErrAlreadyProcessed, *ReorgError or ErrInvalidBlock
// without mutating anything.
func (e *Engine) ProcessBlock(block *event.Block) (*BlockOutput, error) {
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Step 1: Height and parent linkage
	if err := e.validator.Validate(block); err != nil {
		e.reject(err)
		return nil, err
	}

	// Step 2: Field validation (before any mutation)
	if err := block.Validate(); err != nil {
		e.reject(ErrInvalidBlock)
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}

	// Step 3: Route events to per-cohort op lists
	ops := e.router.Route(block.Events)

	var datePrice *fpmath.Cents
	if block.DateClose != nil {
		price := block.DateClose.Price
		datePrice = &price
	}

	// Step 4: Apply per cohort in parallel
	records := make([]CohortRecord, len(e.cohorts))
	group := e.pool.NewGroup()
	for i := range e.cohorts {
		group.Submit(func() {
			records[i] = e.applyCohort(i, block, datePrice, ops[i])
		})
	}
	if err := group.Wait(); err != nil {
		// A cohort task panicked: state is partially applied.
		panic(fmt.Sprintf("FATAL: cohort task failed at height %d: %v", block.Height, err))
	}

	// Step 5: Periodic invariant sweep
	if e.cfg.InvariantInterval > 0 && block.Height%e.cfg.InvariantInterval == 0 {
		if err := CheckInvariants(e.defs, e.cohorts); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated at height %d: %v", block.Height, err))
		}
		if e.metrics != nil {
			e.metrics.InvariantChecks.Inc()
		}
	}

	// Step 6: State hash chain
	stateHash := e.hasher.ComputeHash(block.Height, e.digest(block.Hash))

	chain := ChainState{
		Height:    block.Height,
		BlockHash: block.Hash,
		PrevHash:  block.PrevHash,
		Timestamp: block.Timestamp,
		Price:     block.Price,
		Supply:    e.cohorts[e.allIndex()].Supply(),
		StateHash: stateHash,
	}
	if block.DateClose != nil {
		chain.DateClose = &DateCloseRecord{DateIndex: block.DateClose.DateIndex, Price: block.DateClose.Price}
	}

	e.validator.Accept(block)
	e.lastChain = &chain

	// Step 7: Publish latest snapshots for readers
	for _, r := range records {
		e.latest.Store(r.CohortID, r)
	}

	if e.metrics != nil {
		e.metrics.BlocksApplied.Inc()
		e.metrics.BlockDuration.Observe(time.Since(start).Seconds())
		e.metrics.EngineHeight.Set(float64(block.Height))
	}

	return &BlockOutput{ChainState: chain, Records: records}, nil
}

// applyCohort runs on a pool worker and touches only cohort i.
func (e *Engine) applyCohort(i int, block *event.Block, datePrice *fpmath.Cents, ops []cohort.Op) CohortRecord {
	start := time.Now()
	c := e.cohorts[i]
	def := e.defs[i]

	c.BeginBlock()
	for _, op := range ops {
		op.Apply(c)
	}

	record := CohortRecord{
		Height:   block.Height,
		CohortID: def.ID,
		Supply:   c.Supply(),
		Deltas:   c.Deltas(),
	}

	if priced := c.Priced(); priced != nil {
		atHeight, atDate := c.ComputeUnrealizedStates(block.Price, datePrice)
		realized := priced.Realized()
		snap := realized.Snapshot()

		record.Realized = &snap
		record.Unrealized = &atHeight
		record.UnrealizedAtDate = atDate
		record.CrossedBuckets = priced.LastCrossed()
		if low, high, ok := priced.PriceRange(); ok {
			record.PriceRange = &PriceRange{Low: low, High: high}
		}
		if def.Percentiles {
			pct := priced.Percentiles()
			record.Percentiles = &pct
		}
		if e.metrics != nil {
			e.metrics.CrossedBuckets.WithLabelValues(def.ID).Add(float64(record.CrossedBuckets))
			e.metrics.DistributionSize.WithLabelValues(def.ID).Set(float64(priced.BucketCount()))
		}
	}

	if e.metrics != nil {
		e.metrics.CohortDuration.WithLabelValues(def.ID).Observe(time.Since(start).Seconds())
		e.metrics.CohortSupplySats.WithLabelValues(def.ID).Set(float64(record.Supply.Value))
	}
	return record
}

func (e *Engine) reject(err error) {
	if e.metrics == nil {
		return
	}
	var reorg *ReorgError
	reason := "invalid"
	switch {
	case errors.As(err, &reorg):
		reason = "reorg"
	case errors.Is(err, ErrHeightGap):
		reason = "gap"
	case errors.Is(err, ErrAlreadyProcessed):
		reason = "duplicate"
	}
	e.metrics.BlocksRejected.WithLabelValues(reason).Inc()
}

// digest covers the block identity and every cohort's persistent state.
func (e *Engine) digest(blockHash event.Hash) []byte {
	h := sha256.New()
	h.Write(blockHash[:])
	for _, c := range e.cohorts {
		h.Write(c.Digest())
	}
	return h.Sum(nil)
}

func (e *Engine) allIndex() int {
	for i, d := range e.defs {
		if d.Kind == cohort.KindAll {
			return i
		}
	}
	return 0
}

// NextHeight returns the next height the engine will accept.
func (e *Engine) NextHeight() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.validator.NextHeight()
}

// LastChainState returns the chain state of the last applied block.
func (e *Engine) LastChainState() (ChainState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastChain == nil {
		return ChainState{}, false
	}
	return *e.lastChain, true
}

// Latest returns the last record produced for a cohort. Safe for concurrent use.
func (e *Engine) Latest(cohortID string) (CohortRecord, bool) {
	return e.latest.Load(cohortID)
}

// LatestAll returns the last record of every cohort.
func (e *Engine) LatestAll() []CohortRecord {
	out := make([]CohortRecord, 0, len(e.defs))
	for _, d := range e.defs {
		if r, ok := e.latest.Load(d.ID); ok {
			out = append(out, r)
		}
	}
	return out
}

// Definitions returns the cohort definitions in index order.
func (e *Engine) Definitions() []cohort.Definition {
	return e.defs
}

// Reset discards all state for a fresh start from height 0.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range e.cohorts {
		c.Reset()
	}
	e.hasher.Reset(GenesisHash())
	e.validator.Reset(nil)
	e.lastChain = nil
	e.latest.Clear()
	e.logger.Info().Msg("engine reset to genesis")
}
