package engine

import (
	"scanline/internal/domain"
)

// AuthorizationContext carries the identity an operation acts for. The
// effective user may differ from the authenticated caller when a manager
// operates on someone's behalf; ManagerOverride widens role checks to the
// whole chain.
type AuthorizationContext struct {
	EffectiveUserID string
	ManagerOverride bool
}

// TaskWork pairs one task with the role indices the effective user may act
// on right now. An entry equal to the chain length is the virtual publish
// slot: all production roles done, awaiting release.
type TaskWork struct {
	Task  domain.Task
	Roles []int
}

// AvailableWork computes, per task, what the effective user can do. Fully
// completed tasks surface only the publish slot and only to managers (or
// under override); otherwise the chain's open work window is intersected
// with the user's assignments. The scan runs fresh on every call since it
// depends on completion state.
func AvailableWork(p *domain.Project, authz AuthorizationContext) []TaskWork {
	manager := authz.ManagerOverride || p.IsManager(authz.EffectiveUserID)
	var out []TaskWork
	for _, t := range p.Tasks {
		if t.AllCompleted() && len(t.Completion) == len(p.Roles) {
			if manager {
				out = append(out, TaskWork{Task: t, Roles: []int{len(p.Roles)}})
			}
			continue
		}
		var avail []int
		for _, i := range domain.OpenRoles(p.Roles, t.Completion) {
			if authz.ManagerOverride || p.Roles[i].HasUser(authz.EffectiveUserID) {
				avail = append(avail, i)
			}
		}
		if len(avail) > 0 {
			out = append(out, TaskWork{Task: t, Roles: avail})
		}
	}
	return out
}
