package deal

// The transition engine is data, not code: an immutable adjacency table from
// each lifecycle step to the steps directly reachable from it, built once at
// package init. Steps absent from the table are terminal.
var transitions = map[Step][]Step{
	StepInitial:                {StepCancelledSupplierGrace, StepCancelledSupplier, StepCancelledBuyer, StepCheckedIn},
	StepCancelledSupplierGrace: {StepDisputed},
	StepCancelledSupplier:      {StepDisputed},
	StepCancelledBuyer:         {StepDisputed},
	StepCheckedIn:              {StepFulfilled, StepDisputed},
	StepFulfilled:              {StepDisputed},
	StepDisputed:               {StepResolvedSupplier, StepResolvedBuyer},
}

// stepRoles is the secondary per-transition eligibility table: which caller
// classifications may request each target step through Advance. The resolved
// steps are deliberately absent so arbitration stays the only exit from a
// dispute.
var stepRoles = map[Step][]CallerRole{
	StepCancelledSupplierGrace: {CallerStaff, CallerAdmin},
	StepCancelledSupplier:      {CallerAdmin},
	StepCancelledBuyer:         {CallerBuyer},
	StepCheckedIn:              {CallerBuyer, CallerStaff},
	StepFulfilled:              {CallerStaff, CallerAdmin},
	StepDisputed:               {CallerBuyer, CallerBidder, CallerAdmin},
}

// CanStep reports whether the transition table allows moving from one step to
// another. Pure function over the static table.
func CanStep(from, to Step) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reachable returns a copy of the table entry for the given step.
func Reachable(from Step) []Step {
	return append([]Step(nil), transitions[from]...)
}

func roleEligible(target Step, role CallerRole) bool {
	for _, allowed := range stepRoles[target] {
		if allowed == role {
			return true
		}
	}
	return false
}
