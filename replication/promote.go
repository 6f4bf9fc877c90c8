package replication

import (
	"time"

	"github.com/kartikbazzad/durabase/internal/util"
)

// PromotionRequest is the operator-initiated promotion of a replica to
// primary. Force skips the primary-unavailability check; it relaxes the
// single-writer guarantee and therefore also requires the explicit
// dual-primary confirmation.
type PromotionRequest struct {
	Force                  bool
	ConfirmDualPrimaryRisk bool
}

// PromotionChecks supplies the validation probes. CaughtUp reports whether
// this replica has applied every observed primary write; PrimaryReachable
// probes the old primary.
type PromotionChecks struct {
	CaughtUp         func() (bool, error)
	PrimaryReachable func() bool
}

// Promote runs the validate-then-commit promotion protocol:
//
//  1. Validate: the replica must be caught up, and the primary must be
//     unreachable unless force is requested and confirmed.
//  2. Transition: enter AuthorityTransitioning, write the authority marker
//     durably (fsync), and only then set PrimaryActive.
//
// A crash between the marker fsync and the state flip is resolved at
// restart by the marker alone.
func (a *Authority) Promote(req PromotionRequest, checks PromotionChecks, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateReplicaActive && a.state != StateReplicationHalted {
		return util.Rejectf(util.CodePromotionDenied,
			"promotion requires a replica, node is %s", a.state)
	}

	if checks.CaughtUp != nil {
		ok, err := checks.CaughtUp()
		if err != nil {
			return util.Rejectf(util.CodePromotionDenied, "catch-up check failed: %v", err)
		}
		if !ok {
			return util.Reject(util.CodePromotionDenied,
				"replica has unapplied primary writes")
		}
	}

	if checks.PrimaryReachable != nil && checks.PrimaryReachable() {
		if !req.Force {
			return util.Reject(util.CodePromotionDenied,
				"primary is still reachable; use force to override")
		}
		if !req.ConfirmDualPrimaryRisk {
			return util.Reject(util.CodePromotionDenied,
				"force promotion requires explicit dual-primary risk confirmation")
		}
	}

	a.state = StateAuthorityTransitioning
	if err := a.writeMarker(now); err != nil {
		// Marker not durable: the transition did not happen. The node stays
		// a replica on restart.
		a.state = StateReplicaActive
		return util.Failure(util.CodePromotionDenied, "authority marker write failed", err)
	}
	a.state = StatePrimaryActive
	return nil
}
