package rib

import "github.com/routefabric/meshd/internal/schema"

// Selection reasons surfaced in route metadata.
const (
	ReasonShortestPath  = "shortest nodePath"
	ReasonTieBreak      = "tie-break: peerName"
	ReasonOnlyCandidate = "shortest nodePath"
)

// SelectBest orders candidates by strictly shortest nodePath, breaking
// ties by lexicographic advertising-peer name. The choice is stable and
// deterministic for any candidate order. Callers guarantee at least one
// candidate.
func SelectBest(candidates []schema.InternalRoute) (schema.InternalRoute, string) {
	best := candidates[0]
	tied := false
	for _, c := range candidates[1:] {
		switch {
		case len(c.NodePath) < len(best.NodePath):
			best = c
			tied = false
		case len(c.NodePath) == len(best.NodePath):
			tied = true
			if c.PeerName < best.PeerName {
				best = c
			}
		}
	}
	if tied {
		return best, ReasonTieBreak
	}
	return best, ReasonShortestPath
}
