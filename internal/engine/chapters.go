package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"scanline/internal/domain"
)

// maxChapterBatch caps one add operation; a typo like "1-5000" should fail
// loudly instead of flooding the task list.
const maxChapterBatch = 100

// ParseChapterSpec expands a chapter expression like "1-5,5.5,7-9" into
// chapter names in the order written. Ranges step by whole numbers and are
// inclusive; fractional chapters are listed individually.
func ParseChapterSpec(spec string) ([]string, error) {
	var names []string
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, ok := strings.Cut(part, "-")
		if !ok {
			if _, err := strconv.ParseFloat(part, 64); err != nil {
				return nil, fmt.Errorf("bad chapter %q", part)
			}
			names = append(names, formatChapter(mustFloat(part)))
			continue
		}
		from, err := strconv.ParseFloat(strings.TrimSpace(lo), 64)
		if err != nil {
			return nil, fmt.Errorf("bad range start %q", lo)
		}
		to, err := strconv.ParseFloat(strings.TrimSpace(hi), 64)
		if err != nil {
			return nil, fmt.Errorf("bad range end %q", hi)
		}
		if to < from {
			return nil, fmt.Errorf("range %q runs backwards", part)
		}
		if to-from > maxChapterBatch {
			return nil, fmt.Errorf("range %q spans more than %d chapters", part, maxChapterBatch)
		}
		for v := from; v <= to; v++ {
			names = append(names, formatChapter(v))
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no chapters in %q", spec)
	}
	if len(names) > maxChapterBatch {
		return nil, fmt.Errorf("%d chapters in one batch, limit is %d", len(names), maxChapterBatch)
	}
	return names, nil
}

// addChapters appends tasks for every parsed name not already present and
// returns the added tasks in order.
func addChapters(p *domain.Project, spec string) ([]domain.Task, error) {
	names, err := ParseChapterSpec(spec)
	if err != nil {
		return nil, err
	}
	var added []domain.Task
	for _, name := range names {
		if p.TaskIndexByName(name) >= 0 {
			continue
		}
		t := domain.Task{ID: uuid.NewString(), Name: name}
		t.InitCompletion(len(p.Roles))
		p.Tasks = append(p.Tasks, t)
		added = append(added, t)
	}
	return added, nil
}

// removeChapters drops the named tasks from the active list and returns the
// names actually removed. Missing names are skipped.
func removeChapters(p *domain.Project, spec string) ([]string, error) {
	names, err := ParseChapterSpec(spec)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, name := range names {
		idx := p.TaskIndexByName(name)
		if idx < 0 {
			continue
		}
		p.Tasks = append(p.Tasks[:idx], p.Tasks[idx+1:]...)
		removed = append(removed, name)
	}
	return removed, nil
}

func formatChapter(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func mustFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
