package engine

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"scanline/internal/domain"
)

// CompletionResult classifies a MarkDone batch for notification fan-out.
// DoneCount counts newly set flags only; publishing a finished chapter is
// not "doing" a role and contributes nothing.
type CompletionResult struct {
	DoneCount      int
	FullyCompleted []domain.Task
	Updated        []domain.Task
}

// applyMarkDone advances completion state for the named tasks at one role
// index. roleIndex equal to the chain length is the publish slot: a fully
// completed task is popped from the active list and recorded as the last
// completed chapter. Unresolved names are skipped, not fatal; a batch is
// best-effort. Already-set flags are a no-op so the call is idempotent.
func applyMarkDone(p *domain.Project, names []string, roleIndex int, now time.Time) (CompletionResult, error) {
	n := len(p.Roles)
	if roleIndex < 0 || roleIndex > n {
		return CompletionResult{}, fmt.Errorf("%w: %d", ErrInvalidRoleReference, roleIndex)
	}

	var res CompletionResult
	for _, name := range names {
		idx := p.TaskIndexByName(name)
		if idx < 0 {
			continue
		}
		t := &p.Tasks[idx]
		if len(t.Completion) != n {
			return CompletionResult{}, fmt.Errorf("%w: task %q", ErrStructuralMismatch, t.Name)
		}

		if roleIndex == n {
			if !t.AllCompleted() {
				continue
			}
			p.LastCompleted = t.Name
			p.Tasks = append(p.Tasks[:idx], p.Tasks[idx+1:]...)
			continue
		}

		if t.Completion[roleIndex] {
			continue
		}
		t.Completion[roleIndex] = true
		res.DoneCount++
		// Copy out before any append below can grow p.Tasks and move it.
		snapshot := *t
		if snapshot.AllCompleted() {
			res.FullyCompleted = append(res.FullyCompleted, snapshot)
		} else {
			res.Updated = append(res.Updated, snapshot)
		}

		if p.AutoContinue && idx == len(p.Tasks)-1 {
			next := domain.Task{ID: uuid.NewString(), Name: nextChapterName(snapshot.Name)}
			next.InitCompletion(n)
			p.Tasks = append(p.Tasks, next)
			res.Updated = append(res.Updated, next)
		}
	}

	if len(res.FullyCompleted) > 0 || len(res.Updated) > 0 {
		p.LastActionAt = now.UTC().Format(time.RFC3339)
		p.InactivityNotified = false
	}
	return res, nil
}

// nextChapterName is the auto-continuation naming rule: parse the chapter
// name as a number, add one, format without trailing zeros ("5.5" -> "6.5").
// A non-numeric name parses as zero, so the successor is "1".
func nextChapterName(name string) string {
	v, err := strconv.ParseFloat(name, 64)
	if err != nil {
		v = 0
	}
	return strconv.FormatFloat(v+1, 'f', -1, 64)
}
