package cohort_test

import (
	"CohortLedger/internal/cohort"
	"CohortLedger/internal/event"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mustRouter(t *testing.T, set cohort.Set) *cohort.Router {
	t.Helper()
	r, err := cohort.NewRouter(set)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return r
}

func indexOf(t *testing.T, r *cohort.Router, id string) int {
	t.Helper()
	for i, d := range r.Definitions() {
		if d.ID == id {
			return i
		}
	}
	t.Fatalf("cohort %q not found", id)
	return -1
}

// ============================================================================
// Test: Definitions
// ============================================================================

func TestDefaults_AreValid(t *testing.T) {
	set := cohort.Defaults()
	if err := set.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if got := len(set.Cohorts); got != 1+13+7 {
		t.Errorf("got %d cohorts, want 21", got)
	}
}

func TestParse_Valid(t *testing.T) {
	raw := `
cohorts:
  - id: all
    kind: all
    price_aware: true
    percentiles: true
  - id: young
    kind: age
    min_days: 0
    max_days: 30
    price_aware: true
  - id: old
    kind: age
    min_days: 30
  - id: taproot
    kind: type
    output_type: p2tr
`
	set, err := cohort.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(set.Cohorts) != 4 {
		t.Errorf("got %d cohorts, want 4", len(set.Cohorts))
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "no all cohort",
			raw:  "cohorts:\n  - id: x\n    kind: type\n    output_type: p2pk\n",
			want: "exactly one",
		},
		{
			name: "unknown key",
			raw:  "cohorts:\n  - id: all\n    kind: all\n    colour: red\n",
			want: "colour",
		},
		{
			name: "bad id",
			raw:  "cohorts:\n  - id: All Coins\n    kind: all\n",
			want: "cohort_id",
		},
		{
			name: "type without output type",
			raw:  "cohorts:\n  - id: all\n    kind: all\n  - id: t\n    kind: type\n",
			want: "OutputType",
		},
		{
			name: "unknown output type",
			raw:  "cohorts:\n  - id: all\n    kind: all\n  - id: t\n    kind: type\n    output_type: p2xyz\n",
			want: "unknown output type",
		},
		{
			name: "gap between brackets",
			raw: "cohorts:\n  - id: all\n    kind: all\n" +
				"  - id: a\n    kind: age\n    max_days: 10\n" +
				"  - id: b\n    kind: age\n    min_days: 20\n",
			want: "not contiguous",
		},
		{
			name: "last bracket bounded",
			raw:  "cohorts:\n  - id: all\n    kind: all\n  - id: a\n    kind: age\n    max_days: 10\n",
			want: "unbounded",
		},
		{
			name: "percentiles without price",
			raw:  "cohorts:\n  - id: all\n    kind: all\n    percentiles: true\n",
			want: "price_aware",
		},
		{
			name: "duplicate id",
			raw:  "cohorts:\n  - id: all\n    kind: all\n  - id: all\n    kind: age\n",
			want: "duplicate",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := cohort.Parse([]byte(tc.raw))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	set, err := cohort.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(set.Cohorts) != len(cohort.Defaults().Cohorts) {
		t.Errorf("got %d cohorts", len(set.Cohorts))
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cohorts.yaml")
	if err := os.WriteFile(path, []byte("cohorts:\n  - id: all\n    kind: all\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	set, err := cohort.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if set.Cohorts[0].PriceAware {
		t.Error("price_aware should default to false")
	}
}

// ============================================================================
// Test: Router
// ============================================================================

func TestRouter_AgeCohort(t *testing.T) {
	r := mustRouter(t, cohort.Defaults())
	tests := []struct {
		days uint64
		id   string
	}{
		{0, "up_to_1d"},
		{1, "1d_to_1w"},
		{6, "1d_to_1w"},
		{364, "6m_to_1y"},
		{365, "1y_to_2y"},
		{5474, "10y_to_15y"},
		{5475, "from_15y"},
		{100_000, "from_15y"},
	}
	for _, tc := range tests {
		idx, ok := r.AgeCohort(tc.days)
		if !ok {
			t.Fatalf("%d days: no cohort", tc.days)
		}
		if got := r.Definitions()[idx].ID; got != tc.id {
			t.Errorf("%d days: got %s, want %s", tc.days, got, tc.id)
		}
	}
}

func TestRouter_Route(t *testing.T) {
	r := mustRouter(t, cohort.Defaults())
	events := []event.UTXOEvent{
		{Type: event.UTXOEventCreated, OutputType: event.OutputTypeP2WPKH, Sats: 100, AcquisitionPrice: 5},
		{Type: event.UTXOEventSpent, OutputType: event.OutputTypeP2TR, Sats: 50, AcquisitionPrice: 3,
			CurrentPrice: 9, BlocksOld: 60_000, DaysOld: 400, OlderThanHour: true},
		{Type: event.UTXOEventAged, OutputType: event.OutputTypeP2PKH, Sats: 7, AcquisitionPrice: 2,
			PrevDaysOld: 29, DaysOld: 30},
		{Type: event.UTXOEventAged, OutputType: event.OutputTypeP2PKH, Sats: 7, AcquisitionPrice: 2,
			PrevDaysOld: 31, DaysOld: 32},
	}
	ops := r.Route(events)

	all := ops[indexOf(t, r, "all")]
	if len(all) != 2 || all[0].Kind != cohort.OpReceive || all[1].Kind != cohort.OpSend {
		t.Errorf("all: got %+v", all)
	}
	if got := ops[indexOf(t, r, "up_to_1d")]; len(got) != 1 || got[0].Kind != cohort.OpReceive {
		t.Errorf("up_to_1d: got %+v", got)
	}
	if got := ops[indexOf(t, r, "p2wpkh")]; len(got) != 1 {
		t.Errorf("p2wpkh: got %+v", got)
	}
	spent := ops[indexOf(t, r, "1y_to_2y")]
	if len(spent) != 1 || spent[0].CurrentPrice != 9 || spent[0].Price != 3 || !spent[0].OlderThanHour {
		t.Errorf("1y_to_2y: got %+v", spent)
	}
	if got := ops[indexOf(t, r, "1w_to_1m")]; len(got) != 1 || got[0].Kind != cohort.OpDecrement {
		t.Errorf("1w_to_1m: got %+v", got)
	}
	if got := ops[indexOf(t, r, "1m_to_3m")]; len(got) != 1 || got[0].Kind != cohort.OpIncrement {
		t.Errorf("1m_to_3m: got %+v (aging inside a bracket must not route)", got)
	}
	if got := ops[indexOf(t, r, "p2pkh")]; len(got) != 0 {
		t.Errorf("aging must not touch type cohorts: %+v", got)
	}
}

func TestRouter_NewStates(t *testing.T) {
	r := mustRouter(t, cohort.Defaults())
	states := r.NewStates()
	if !states[indexOf(t, r, "all")].PriceAware() {
		t.Error("all should be price-aware")
	}
	if states[indexOf(t, r, "p2tr")].PriceAware() {
		t.Error("output type cohorts are supply-only by default")
	}
}

func TestOp_ApplyConservesAcrossBrackets(t *testing.T) {
	r := mustRouter(t, cohort.Defaults())
	states := r.NewStates()
	apply := func(events ...event.UTXOEvent) {
		for idx, list := range r.Route(events) {
			for _, op := range list {
				op.Apply(states[idx])
			}
		}
	}

	apply(event.UTXOEvent{Type: event.UTXOEventCreated, OutputType: event.OutputTypeP2SH, Sats: 1000, AcquisitionPrice: 100})
	apply(event.UTXOEvent{Type: event.UTXOEventAged, OutputType: event.OutputTypeP2SH, Sats: 1000, AcquisitionPrice: 100, PrevDaysOld: 0, DaysOld: 1})
	apply(event.UTXOEvent{Type: event.UTXOEventSpent, OutputType: event.OutputTypeP2SH, Sats: 1000, AcquisitionPrice: 100, CurrentPrice: 120, BlocksOld: 200, DaysOld: 1})

	for _, s := range states {
		if !s.Supply().IsEmpty() {
			t.Errorf("cohort %s not empty: %+v", s.ID(), s.Supply())
		}
		if err := s.Validate(); err != nil {
			t.Error(err)
		}
	}
}
