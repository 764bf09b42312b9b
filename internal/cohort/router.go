package cohort

import (
	"CohortLedger/internal/event"
	fpmath "CohortLedger/internal/math"
	"CohortLedger/internal/state"
	"fmt"
	"sort"
)

// OpKind is a CohortState lifecycle operation.
type OpKind uint8

const (
	OpReceive OpKind = iota + 1
	OpSend
	OpIncrement
	OpDecrement
)

func (k OpKind) String() string {
	switch k {
	case OpReceive:
		return "receive"
	case OpSend:
		return "send"
	case OpIncrement:
		return "increment"
	case OpDecrement:
		return "decrement"
	default:
		return "unknown"
	}
}

// Op is one routed mutation for a single cohort.
type Op struct {
	Kind          OpKind
	Supply        state.SupplyState
	Price         fpmath.Cents // acquisition price
	CurrentPrice  fpmath.Cents // OpSend only
	BlocksOld     uint64
	DaysOld       uint64
	OlderThanHour bool
}

// Apply performs the operation on c.
func (o Op) Apply(c *state.CohortState) {
	switch o.Kind {
	case OpReceive:
		c.Receive(o.Supply, o.Price)
	case OpSend:
		c.Send(o.Supply, o.CurrentPrice, o.Price, o.BlocksOld, o.DaysOld, o.OlderThanHour)
	case OpIncrement:
		c.Increment(o.Supply, o.Price)
	case OpDecrement:
		c.Decrement(o.Supply, o.Price)
	default:
		panic(fmt.Sprintf("FATAL: unknown cohort op %d", o.Kind))
	}
}

// Router maps UTXO events to per-cohort operation lists.
type Router struct {
	defs  []Definition
	all   int
	ages  []int // indexes of age cohorts ordered by MinDays
	types map[event.OutputType]int
}

// NewRouter builds a router over a validated set.
func NewRouter(set Set) (*Router, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	r := &Router{
		defs:  set.Cohorts,
		types: make(map[event.OutputType]int),
	}
	for i, d := range set.Cohorts {
		switch d.Kind {
		case KindAll:
			r.all = i
		case KindAge:
			r.ages = append(r.ages, i)
		case KindType:
			t, _ := event.ParseOutputType(d.OutputType)
			r.types[t] = i
		}
	}
	sort.Slice(r.ages, func(a, b int) bool {
		return r.defs[r.ages[a]].MinDays < r.defs[r.ages[b]].MinDays
	})
	return r, nil
}

// Definitions returns the cohort definitions in index order.
func (r *Router) Definitions() []Definition {
	return r.defs
}

// NewStates creates one empty CohortState per definition.
func (r *Router) NewStates() []*state.CohortState {
	out := make([]*state.CohortState, len(r.defs))
	for i, d := range r.defs {
		out[i] = state.NewCohortState(d.ID, d.PriceAware)
	}
	return out
}

// AgeCohort returns the index of the age cohort containing days.
func (r *Router) AgeCohort(days uint64) (int, bool) {
	i := sort.Search(len(r.ages), func(i int) bool {
		d := r.defs[r.ages[i]]
		return d.MaxDays == 0 || days < d.MaxDays
	})
	if i == len(r.ages) {
		return 0, false
	}
	return r.ages[i], true
}

// Route returns the ordered operations for each cohort index. Event order is
// preserved within a cohort.
func (r *Router) Route(events []event.UTXOEvent) [][]Op {
	ops := make([][]Op, len(r.defs))
	push := func(idx int, op Op) {
		ops[idx] = append(ops[idx], op)
	}

	for i := range events {
		e := &events[i]
		one := state.SupplyState{UTXOCount: 1, Value: e.Sats}

		switch e.Type {
		case event.UTXOEventCreated:
			op := Op{Kind: OpReceive, Supply: one, Price: e.AcquisitionPrice}
			push(r.all, op)
			if idx, ok := r.AgeCohort(0); ok {
				push(idx, op)
			}
			if idx, ok := r.types[e.OutputType]; ok {
				push(idx, op)
			}

		case event.UTXOEventSpent:
			op := Op{
				Kind:          OpSend,
				Supply:        one,
				Price:         e.AcquisitionPrice,
				CurrentPrice:  e.CurrentPrice,
				BlocksOld:     e.BlocksOld,
				DaysOld:       e.DaysOld,
				OlderThanHour: e.OlderThanHour,
			}
			push(r.all, op)
			if idx, ok := r.AgeCohort(e.DaysOld); ok {
				push(idx, op)
			}
			if idx, ok := r.types[e.OutputType]; ok {
				push(idx, op)
			}

		case event.UTXOEventAged:
			from, okFrom := r.AgeCohort(e.PrevDaysOld)
			to, okTo := r.AgeCohort(e.DaysOld)
			if okFrom && okTo && from == to {
				continue
			}
			if okFrom {
				push(from, Op{Kind: OpDecrement, Supply: one, Price: e.AcquisitionPrice})
			}
			if okTo {
				push(to, Op{Kind: OpIncrement, Supply: one, Price: e.AcquisitionPrice})
			}
		}
	}
	return ops
}
