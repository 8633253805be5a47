package engine

import (
	"context"
	"fmt"
)

// MutationKey returns the pending-map key of an input/output edge.
func MutationKey(srcID, destID string) string {
	return srcID + "___" + destID
}

// ParentChildMutationKey returns the pending-map key of a parent/child edge.
func ParentChildMutationKey(parentID, childID string) string {
	return "pc_" + parentID + "_" + childID
}

// GenerateEdgeMutations diffs the current and proposed edges of every planned
// vertex. The forward and reverse view of the same edge coalesce into a single
// mutation carrying both field names.
func GenerateEdgeMutations(plan map[string]*PlanVertex) map[string]*EdgeMutation {
	mutations := make(map[string]*EdgeMutation)

	for _, id := range sortedKeys(plan) {
		vertex := plan[id]
		proposed := vertex.ProposedResource
		if proposed == nil {
			continue
		}
		current := vertex.CurrentResource
		if current == nil {
			current = &Resource{ID: id}
		}

		for _, slot := range unionSlots(proposed.InputResources, current.InputResources) {
			for _, peer := range proposed.InputResources[slot].Difference(current.InputResources[slot]) {
				m := coalesce(mutations, MutationKey(peer, id), peer, id, true)
				m.DestFieldName = slot
			}
			for _, peer := range current.InputResources[slot].Difference(proposed.InputResources[slot]) {
				m := coalesce(mutations, MutationKey(peer, id), peer, id, false)
				m.DestFieldName = slot
			}
		}

		for _, slot := range unionSlots(proposed.OutputResources, current.OutputResources) {
			for _, peer := range proposed.OutputResources[slot].Difference(current.OutputResources[slot]) {
				m := coalesce(mutations, MutationKey(id, peer), id, peer, true)
				m.SrcFieldName = slot
			}
			for _, peer := range current.OutputResources[slot].Difference(proposed.OutputResources[slot]) {
				m := coalesce(mutations, MutationKey(id, peer), id, peer, false)
				m.SrcFieldName = slot
			}
		}

		for _, child := range proposed.ChildResources.Difference(current.ChildResources) {
			m := coalesce(mutations, ParentChildMutationKey(id, child), id, child, true)
			m.ParentChild = true
		}
		for _, child := range current.ChildResources.Difference(proposed.ChildResources) {
			m := coalesce(mutations, ParentChildMutationKey(id, child), id, child, false)
			m.ParentChild = true
		}
	}

	return mutations
}

func coalesce(mutations map[string]*EdgeMutation, key, src, dest string, add bool) *EdgeMutation {
	m, ok := mutations[key]
	if !ok {
		m = &EdgeMutation{SrcID: src, DestID: dest}
		mutations[key] = m
	}
	m.Add = add
	return m
}

func unionSlots(a, b Edges) []string {
	set := NewIDSet(a.Slots()...)
	for _, slot := range b.Slots() {
		set.Add(slot)
	}
	return set.Sorted()
}

// resetEdges makes the proposed resource carry only the edges that already
// exist, so that a persisted resource never shows an edge whose mutation has
// not been applied yet.
func resetEdges(vertex *PlanVertex) {
	proposed := vertex.ProposedResource
	if proposed == nil {
		return
	}
	current := vertex.CurrentResource
	if current == nil {
		proposed.InputResources = Edges{}
		proposed.OutputResources = Edges{}
		proposed.ParentResource = ""
		proposed.ChildResources = IDSet{}
		return
	}
	proposed.InputResources = current.InputResources.Clone()
	proposed.OutputResources = current.OutputResources.Clone()
	proposed.ParentResource = current.ParentResource
	proposed.ChildResources = current.ChildResources.Clone()
	if proposed.InputResources == nil {
		proposed.InputResources = Edges{}
	}
	if proposed.OutputResources == nil {
		proposed.OutputResources = Edges{}
	}
	if proposed.ChildResources == nil {
		proposed.ChildResources = IDSet{}
	}
}

// mutationEndpointResolved reports whether an endpoint has no pending work.
// Ids outside the plan belong to resources this run does not change.
func (g *ExecutionGraph) mutationEndpointResolved(id string) bool {
	vertex, ok := g.ExecutionPlan[id]
	if !ok {
		return true
	}
	return vertex.Resolved()
}

// ApplyEligibleMutations applies every pending mutation whose endpoints are both
// resolved. It returns the resources it changed, keyed by id, and the keys of
// the applied mutations. The mutations stay pending; the caller persists the
// resources and then drops the keys with ClearMutations. Applying a mutation
// twice has the same effect as applying it once, so a failed persist is
// retried by applying again. Planned endpoints are changed through their
// proposed resource, others are loaded from store.
func (g *ExecutionGraph) ApplyEligibleMutations(ctx context.Context, store ResourceStore) (map[string]*Resource, []string, error) {
	touched := make(map[string]*Resource)
	var applied []string

	load := func(id string) (*Resource, error) {
		if r, ok := touched[id]; ok {
			return r, nil
		}
		if vertex, ok := g.ExecutionPlan[id]; ok {
			return vertex.ProposedResource, nil
		}
		r, err := store.GetResource(ctx, id)
		if err != nil {
			return nil, NewTransientError(fmt.Sprintf("failed to load resource %s", id), err).
				WithCode(ErrCodeStore).
				WithResource(id)
		}
		return r, nil
	}

	for _, key := range sortedKeys(g.EdgeMutations) {
		m := g.EdgeMutations[key]
		if !g.mutationEndpointResolved(m.SrcID) || !g.mutationEndpointResolved(m.DestID) {
			continue
		}

		src, err := load(m.SrcID)
		if err != nil {
			return nil, nil, err
		}
		dest, err := load(m.DestID)
		if err != nil {
			return nil, nil, err
		}

		if m.ParentChild {
			applyParentChild(m, src, dest)
		} else {
			applyPeerEdge(m, src, dest)
		}

		if src != nil {
			touched[src.ID] = src
		}
		if dest != nil {
			touched[dest.ID] = dest
		}
		applied = append(applied, key)
	}

	return touched, applied, nil
}

// ClearMutations drops applied mutations from the pending map.
func (g *ExecutionGraph) ClearMutations(keys []string) {
	for _, key := range keys {
		delete(g.EdgeMutations, key)
	}
}

func applyPeerEdge(m *EdgeMutation, src, dest *Resource) {
	if src != nil && m.SrcFieldName != "" {
		if src.OutputResources == nil {
			src.OutputResources = Edges{}
		}
		editSlot(src.OutputResources, m.SrcFieldName, m.DestID, m.Add)
	}
	if dest != nil && m.DestFieldName != "" {
		if dest.InputResources == nil {
			dest.InputResources = Edges{}
		}
		editSlot(dest.InputResources, m.DestFieldName, m.SrcID, m.Add)
	}
}

func editSlot(edges Edges, slot, peer string, add bool) {
	if add {
		if edges[slot] == nil {
			edges[slot] = IDSet{}
		}
		edges[slot].Add(peer)
		return
	}
	if set, ok := edges[slot]; ok {
		set.Remove(peer)
	}
}

func applyParentChild(m *EdgeMutation, parent, child *Resource) {
	if m.Add {
		if child != nil {
			child.ParentResource = m.SrcID
		}
		if parent != nil {
			if parent.ChildResources == nil {
				parent.ChildResources = IDSet{}
			}
			parent.ChildResources.Add(m.DestID)
		}
		return
	}
	if child != nil && child.ParentResource == m.SrcID {
		child.ParentResource = ""
	}
	if parent != nil {
		parent.ChildResources.Remove(m.DestID)
	}
}
