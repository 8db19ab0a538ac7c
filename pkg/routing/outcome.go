package routing

import (
	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
)

// Aggregate derives the rule-level outcome of one invocation from its
// routing records. Pure function of the record set.
//
//   - ANY: approved as soon as one record approves; rejected only when all
//     records rejected.
//   - ALL: rejected as soon as one record rejects; approved when every
//     record approved.
//   - PERCENTAGE: approved once approved/total reaches the threshold;
//     rejected as soon as the threshold is mathematically unreachable given
//     the remaining pending records.
//   - SEQUENTIAL: a rejection at any step rejects the rule; approved when
//     every step approved.
func Aggregate(mode contracts.ApprovalMode, percentage int, records []*contracts.RoutingRecord) contracts.RuleOutcome {
	if len(records) == 0 {
		return contracts.OutcomePending
	}

	var approved, rejected int
	for _, r := range records {
		switch r.Status {
		case contracts.RoutingApproved:
			approved++
		case contracts.RoutingRejected:
			rejected++
		}
	}
	total := len(records)
	pending := total - approved - rejected

	switch mode {
	case contracts.ModeAny:
		if approved > 0 {
			return contracts.OutcomeApproved
		}
		if rejected == total {
			return contracts.OutcomeRejected
		}

	case contracts.ModeAll, contracts.ModeSequential:
		if rejected > 0 {
			return contracts.OutcomeRejected
		}
		if approved == total {
			return contracts.OutcomeApproved
		}

	case contracts.ModePercentage:
		// required = ceil(percentage * total / 100)
		required := (percentage*total + 99) / 100
		if required < 1 {
			required = 1
		}
		if approved >= required {
			return contracts.OutcomeApproved
		}
		if approved+pending < required {
			return contracts.OutcomeRejected
		}
	}

	return contracts.OutcomePending
}
