package http

import (
	"fmt"
	"sort"

	"github.com/routefabric/meshd/internal/rib"
	"github.com/routefabric/meshd/internal/schema"
)

func sortedKeys(m map[string]schema.LocalPeer) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedRouteKeys(m map[schema.RouteKey]schema.Route) []schema.RouteKey {
	keys := make([]schema.RouteKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Name != keys[j].Name {
			return keys[i].Name < keys[j].Name
		}
		return keys[i].Protocol < keys[j].Protocol
	})
	return keys
}

// localRoutesView renders the local route table with string keys, since
// struct keys do not serialize to JSON object keys.
func localRoutesView(st *rib.State) map[string]schema.Route {
	out := make(map[string]schema.Route, len(st.LocalRoutes))
	for k, v := range st.LocalRoutes {
		out[fmt.Sprintf("%s/%s", k.Name, k.Protocol)] = v
	}
	return out
}
