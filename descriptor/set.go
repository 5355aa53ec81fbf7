package descriptor

import (
	"fmt"

	"github.com/c360/stagegrid/errors"
)

// Set is the validated descriptor set for one run.
type Set struct {
	Stages []StageDescriptor
	Queues map[string]QueueSpec

	kinds []string
}

// NewSet assigns statistics slots in declaration order and checks every queue
// reference. Unknown queues fail with errors.ErrConfiguration.
func NewSet(stages []StageDescriptor, queues []QueueSpec) (*Set, error) {
	s := &Set{
		Stages: make([]StageDescriptor, len(stages)),
		Queues: make(map[string]QueueSpec, len(queues)),
	}

	for _, q := range queues {
		if q.Name == "" {
			return nil, errors.WrapFatal(errors.ErrConfiguration, "Set", "NewSet", "queue without name")
		}
		if _, dup := s.Queues[q.Name]; dup {
			return nil, errors.WrapFatal(fmt.Errorf("%w: duplicate queue %q", errors.ErrConfiguration, q.Name),
				"Set", "NewSet", "declare queue")
		}
		if q.Mode == "" {
			q.Mode = ModeRoundRobin
		}
		if q.Mode != ModeRoundRobin && q.Mode != ModeMerge {
			return nil, errors.WrapFatal(fmt.Errorf("%w: queue %q has unknown mode %q", errors.ErrConfiguration, q.Name, q.Mode),
				"Set", "NewSet", "declare queue")
		}
		s.Queues[q.Name] = q
	}

	seenKind := make(map[string]bool)
	for i, d := range stages {
		if d.Kind == "" {
			return nil, errors.WrapFatal(fmt.Errorf("%w: stage %d has no kind", errors.ErrConfiguration, i),
				"Set", "NewSet", "declare stage")
		}
		for _, name := range append(append([]string{}, d.Inputs...), d.Outputs...) {
			if _, ok := s.Queues[name]; !ok {
				return nil, errors.WrapFatal(fmt.Errorf("%w: stage %q references unknown queue %q", errors.ErrConfiguration, d.Name, name),
					"Set", "NewSet", "resolve queue")
			}
		}
		d.Slot = i
		if d.Name == "" {
			d.Name = fmt.Sprintf("%s-%d", d.Kind, i)
		}
		s.Stages[i] = d
		if !seenKind[d.Kind] {
			seenKind[d.Kind] = true
			s.kinds = append(s.kinds, d.Kind)
		}
	}

	return s, nil
}

// Kinds returns the stage kinds in first-declaration order.
func (s *Set) Kinds() []string {
	return append([]string(nil), s.kinds...)
}

// Groups returns a fresh StageGroup per kind, in first-declaration order.
func (s *Set) Groups() []*StageGroup {
	groups := make([]*StageGroup, 0, len(s.kinds))
	index := make(map[string]*StageGroup, len(s.kinds))
	for _, kind := range s.kinds {
		g := &StageGroup{Kind: kind}
		index[kind] = g
		groups = append(groups, g)
	}
	for _, d := range s.Stages {
		index[d.Kind].Descriptors = append(index[d.Kind].Descriptors, d)
	}
	return groups
}

// Producers returns the slots that write to queue, in declaration order.
func (s *Set) Producers(queue string) []int {
	var slots []int
	for _, d := range s.Stages {
		if contains(d.Outputs, queue) {
			slots = append(slots, d.Slot)
		}
	}
	return slots
}

// Consumers returns the slots that read from queue, in declaration order.
func (s *Set) Consumers(queue string) []int {
	var slots []int
	for _, d := range s.Stages {
		if contains(d.Inputs, queue) {
			slots = append(slots, d.Slot)
		}
	}
	return slots
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
