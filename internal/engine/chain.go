package engine

import (
	"errors"
	"fmt"

	"scanline/internal/domain"
)

var (
	// ErrInvalidRoleReference rejects a moving target that is out of bounds
	// or does not point strictly forward.
	ErrInvalidRoleReference = errors.New("invalid role reference")
	// ErrStructuralMismatch means a task's completion array disagrees with
	// the chain length outside a structural migration.
	ErrStructuralMismatch = errors.New("completion array does not match role chain")
	ErrUnknownProject     = errors.New("unknown project")
	ErrUnknownRole        = errors.New("unknown role")
	ErrUnknownTask        = errors.New("unknown task")
)

// Role indices and per-task completion positions are one transactional unit:
// every index-shifting change to the chain migrates all movesTo references
// and every task's completion array in the same call, or not at all.

// appendRole grows the chain at the end and pads every completion array with
// a false entry. Returns the new role's index.
func appendRole(p *domain.Project, name string) (int, error) {
	if err := checkLengths(p); err != nil {
		return 0, err
	}
	p.Roles = append(p.Roles, domain.Role{Name: name, MovesTo: -1})
	for i := range p.Tasks {
		p.Tasks[i].Completion = append(p.Tasks[i].Completion, false)
	}
	return len(p.Roles) - 1, nil
}

// setMoving sets or clears a role's forward pointer. A target equal to the
// chain length is the virtual publish slot and is allowed.
func setMoving(p *domain.Project, index, target int) error {
	if index < 0 || index >= len(p.Roles) {
		return fmt.Errorf("%w: role %d", ErrInvalidRoleReference, index)
	}
	if target != -1 && (target <= index || target > len(p.Roles)) {
		return fmt.Errorf("%w: %d -> %d", ErrInvalidRoleReference, index, target)
	}
	p.Roles[index].MovesTo = target
	return nil
}

// removeRole drops a role and splices the matching entry out of every task's
// completion array. Pointers at the removed index reset to fixed; pointers
// past it shift down, and any pointer that stops being strictly forward
// resets too.
func removeRole(p *domain.Project, index int) error {
	if index < 0 || index >= len(p.Roles) {
		return fmt.Errorf("%w: role %d", ErrInvalidRoleReference, index)
	}
	if err := checkLengths(p); err != nil {
		return err
	}
	p.Roles = append(p.Roles[:index], p.Roles[index+1:]...)
	for i := range p.Roles {
		switch {
		case p.Roles[i].MovesTo == index:
			p.Roles[i].MovesTo = -1
		case p.Roles[i].MovesTo > index:
			p.Roles[i].MovesTo--
		}
		if p.Roles[i].MovesTo != -1 && p.Roles[i].MovesTo <= i {
			p.Roles[i].MovesTo = -1
		}
	}
	for i := range p.Tasks {
		c := p.Tasks[i].Completion
		p.Tasks[i].Completion = append(c[:index], c[index+1:]...)
	}
	return nil
}

// moveRole relocates the role at from to position to. Completion arrays and
// movesTo references are permuted identically; a pointer that the move turns
// backward (or onto its own role) resets to fixed rather than persisting an
// invalid reference.
func moveRole(p *domain.Project, from, to int) error {
	n := len(p.Roles)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fmt.Errorf("%w: move %d -> %d", ErrInvalidRoleReference, from, to)
	}
	if err := checkLengths(p); err != nil {
		return err
	}
	if from == to {
		return nil
	}

	// newIndex[old] = position after the move.
	newIndex := make([]int, n)
	for i := range newIndex {
		switch {
		case i == from:
			newIndex[i] = to
		case from < to && i > from && i <= to:
			newIndex[i] = i - 1
		case to < from && i >= to && i < from:
			newIndex[i] = i + 1
		default:
			newIndex[i] = i
		}
	}

	remapped := make([]domain.Role, n)
	for i := range p.Roles {
		r := p.Roles[i]
		if r.MovesTo >= 0 && r.MovesTo < n {
			r.MovesTo = newIndex[r.MovesTo]
		}
		remapped[newIndex[i]] = r
	}
	for i := range remapped {
		if remapped[i].MovesTo != -1 && remapped[i].MovesTo != n && remapped[i].MovesTo <= i {
			remapped[i].MovesTo = -1
		}
	}
	p.Roles = remapped

	for ti := range p.Tasks {
		c := p.Tasks[ti].Completion
		permuted := make([]bool, n)
		for i, done := range c {
			permuted[newIndex[i]] = done
		}
		p.Tasks[ti].Completion = permuted
	}
	return nil
}

func checkLengths(p *domain.Project) error {
	n := len(p.Roles)
	for i := range p.Tasks {
		if len(p.Tasks[i].Completion) != n {
			return fmt.Errorf("%w: task %q has %d flags, chain has %d roles",
				ErrStructuralMismatch, p.Tasks[i].Name, len(p.Tasks[i].Completion), n)
		}
	}
	return nil
}

// roleIndexByName returns the first role with the given name, or -1.
func roleIndexByName(p *domain.Project, name string) int {
	for i := range p.Roles {
		if p.Roles[i].Name == name {
			return i
		}
	}
	return -1
}
