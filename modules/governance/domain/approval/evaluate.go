package approval

// Evaluate computes the status implied by the full decision history of a
// request. A gate is satisfied by at least one approve vote and failed by
// at least one reject vote; reject is terminal per gate. The evaluation is
// pure: the same gates and decisions always yield the same status.
func Evaluate(gates []Gate, decisions []*ApprovalDecision) string {
	approved := make(map[Gate]bool, len(gates))
	rejected := make(map[Gate]bool, len(gates))
	for _, d := range decisions {
		switch d.Decision {
		case DecisionApprove:
			approved[d.Gate] = true
		case DecisionReject:
			rejected[d.Gate] = true
		}
	}

	for _, g := range gates {
		if rejected[g] {
			return StatusRejected
		}
	}
	for _, g := range gates {
		if !approved[g] {
			return StatusPending
		}
	}
	return StatusApproved
}
