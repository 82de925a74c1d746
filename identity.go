package storagemgr

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/superfly/storagemgr/commit"
)

// planNamespace is a stable namespace mixed into every plan fingerprint.
//
// The exact value is not externally visible, but must remain stable over time
// so that a fingerprint printed by `plan` still matches in a later `commit`.
const planNamespace = "storagemgr-plan-v1"

// PlanFingerprint deterministically derives an identifier for a commit plan.
//
// The fingerprint covers what the plan will do, not when it was computed:
//   - It is a SHA256 hash of (namespace, stage and description of every action),
//     in plan order.
//   - Recomputing the plan from the same pending changes on the same system yields
//     the same fingerprint, so a reviewed plan can be pinned with `commit --expect`.
//   - Any change to the plan (an action added, dropped, reordered or resized)
//     changes the fingerprint and the commit is refused.
//
// The returned ID is a lowercase hexadecimal string with a "plan_" prefix, making it
// easily identifiable in logs and the commit journal. An empty plan has a fingerprint
// too, so "nothing to do" can be pinned as well.
//
// # Example
//
//	plan, _ := engine.Plan()
//	fp := PlanFingerprint(plan)
//	// later, after re-probing
//	plan2, _ := engine.Plan()
//	// PlanFingerprint(plan2) == fp unless the pending changes moved
func PlanFingerprint(plan *commit.Plan) string {
	h := sha256.New()
	h.Write([]byte(planNamespace))
	if plan != nil {
		for _, a := range plan.Actions {
			h.Write([]byte{0})
			h.Write([]byte(a.Stage.String()))
			h.Write([]byte{':'})
			h.Write([]byte(a.Description))
		}
	}
	return "plan_" + hex.EncodeToString(h.Sum(nil))
}
