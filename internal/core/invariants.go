package core

import (
	"CohortLedger/internal/cohort"
	"CohortLedger/internal/event"
	"CohortLedger/internal/state"
	"fmt"
)

// CheckInvariants validates every cohort and the cross-cohort partitions:
// age cohorts together hold exactly the "all" supply, and so do type cohorts
// when every output type has one.
func CheckInvariants(defs []cohort.Definition, cohorts []*state.CohortState) error {
	var all state.SupplyState
	var ages, types state.SupplyState
	var ageCount, typeCount int

	for i, c := range cohorts {
		if err := c.Validate(); err != nil {
			return err
		}
		switch defs[i].Kind {
		case cohort.KindAll:
			all = c.Supply()
		case cohort.KindAge:
			ages.Add(c.Supply())
			ageCount++
		case cohort.KindType:
			types.Add(c.Supply())
			typeCount++
		}
	}

	if ageCount > 0 && ages != all {
		return fmt.Errorf("age cohorts hold %+v, all holds %+v", ages, all)
	}
	if typeCount == event.OutputTypeCount && types != all {
		return fmt.Errorf("type cohorts hold %+v, all holds %+v", types, all)
	}
	return nil
}
