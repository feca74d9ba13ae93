// Package reconcile computes the add/delete actions that bring one source's
// mirrored events on the destination in line with what the source declares.
//
// Matching is by (start, end) only. When several events share a slot, each
// mirrored event claims one desired event in insertion order; desired events
// left unclaimed are added. The function is pure: inputs are copied, never
// modified.
package reconcile

import (
	"calmirror/internal/model"
)

// Result is the outcome of one Reconcile call.
type Result struct {
	// Actions holds only add and delete events, mirrored first.
	Actions []model.MergeEvent
	// Matched counts mirrored events that already correspond to a desired one.
	Matched int
	// Rejected counts inputs dropped because their OriginRef contradicts
	// their role (desired with a ref, mirrored without one).
	Rejected int
	// Duplicates lists desired slots declared more than once.
	Duplicates []model.Key
}

// Adds returns the events to create.
func (r Result) Adds() []model.MergeEvent {
	return r.filter(model.ActionAdd)
}

// Deletes returns the events to remove.
func (r Result) Deletes() []model.MergeEvent {
	return r.filter(model.ActionDelete)
}

func (r Result) filter(a model.Action) []model.MergeEvent {
	out := make([]model.MergeEvent, 0, len(r.Actions))
	for _, ev := range r.Actions {
		if ev.Action == a {
			out = append(out, ev)
		}
	}
	return out
}

// Reconcile matches desired against mirrored for the source whose mirrored
// events carry identity as title.
func Reconcile(identity string, desired, mirrored []model.MergeEvent) Result {
	var res Result

	want := make([]model.MergeEvent, 0, len(desired))
	for _, ev := range desired {
		if ev.OriginRef != "" {
			res.Rejected++
			continue
		}
		ev.Action = model.ActionUnset
		want = append(want, ev)
	}

	have := make([]model.MergeEvent, 0, len(mirrored))
	for _, ev := range mirrored {
		if ev.OriginRef == "" {
			res.Rejected++
			continue
		}
		ev.Action = model.ActionUnset
		have = append(have, ev)
	}

	res.Duplicates = duplicateKeys(want)

	if len(have) == 0 {
		for i := range want {
			want[i].Action = model.ActionAdd
			want[i].Title = identity
		}
		res.Actions = want
		return res
	}

	// Slot -> indexes into want, in insertion order.
	slots := make(map[model.Key][]int, len(want))
	for i, ev := range want {
		k := ev.Key()
		slots[k] = append(slots[k], i)
	}

	for i := range have {
		k := have[i].Key()
		queue := slots[k]
		if len(queue) == 0 {
			have[i].Action = model.ActionDelete
			continue
		}
		have[i].Action = model.ActionNone
		want[queue[0]].Action = model.ActionNone
		slots[k] = queue[1:]
		res.Matched++
	}

	for i := range want {
		if want[i].Action == model.ActionUnset {
			want[i].Action = model.ActionAdd
			want[i].Title = identity
		}
	}

	res.Actions = make([]model.MergeEvent, 0, len(have)+len(want))
	for _, ev := range have {
		if ev.Action != model.ActionNone {
			res.Actions = append(res.Actions, ev)
		}
	}
	for _, ev := range want {
		if ev.Action != model.ActionNone {
			res.Actions = append(res.Actions, ev)
		}
	}
	return res
}

func duplicateKeys(events []model.MergeEvent) []model.Key {
	seen := make(map[model.Key]int, len(events))
	var dups []model.Key
	for _, ev := range events {
		k := ev.Key()
		seen[k]++
		if seen[k] == 2 {
			dups = append(dups, k)
		}
	}
	return dups
}
