package core

import (
	"strings"
)

// PathRouter is a segment trie over request paths. Exact entries match the
// full path; a trailing "*rest" entry matches the remainder of any deeper
// path and, per prefix semantics, the parent path itself.

type RouteMatch struct {
	Route *CompiledRoute
	// Rest holds the path remainder captured by a *rest entry, "" for
	// exact matches.
	Rest string
}

type routeNode struct {
	children map[string]*routeNode
	catchAll *CompiledRoute
	entry    *CompiledRoute
}

type PathRouter struct {
	root *routeNode
}

func NewPathRouter() *PathRouter {
	return &PathRouter{root: &routeNode{children: make(map[string]*routeNode)}}
}

func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Insert registers a route at a matching key. Inserting two distinct
// routes at the same key is a collision; re-inserting the same route is
// tolerated so a Prefix path can register both its literal key and its
// catch-all key.
func (r *PathRouter) Insert(pattern string, route *CompiledRoute) error {
	if !strings.HasPrefix(pattern, "/") {
		return errConfig("route pattern must start with '/': %s", pattern)
	}
	segs := splitPath(pattern)
	node := r.root
	for i, seg := range segs {
		if seg == "*rest" {
			if i != len(segs)-1 {
				return errConfig("catch-all must be the last segment: %s", pattern)
			}
			if node.catchAll != nil && node.catchAll != route {
				return errConfig("conflicting route at %s", pattern)
			}
			node.catchAll = route
			return nil
		}
		child, ok := node.children[seg]
		if !ok {
			child = &routeNode{children: make(map[string]*routeNode)}
			node.children[seg] = child
		}
		node = child
	}
	if node.entry != nil && node.entry != route {
		return errConfig("conflicting route at %s", pattern)
	}
	node.entry = route
	return nil
}

// Find resolves a request path. Exact entries win over catch-alls; among
// catch-alls the deepest one wins.
func (r *PathRouter) Find(path string) (RouteMatch, bool) {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := splitPath(path)
	node := r.root

	var bestCatch *CompiledRoute
	var bestRest string

	if node.catchAll != nil {
		bestCatch = node.catchAll
		bestRest = strings.TrimPrefix(path, "/")
	}
	for i, seg := range segs {
		child, ok := node.children[seg]
		if !ok {
			node = nil
			break
		}
		node = child
		if node.catchAll != nil {
			bestCatch = node.catchAll
			bestRest = strings.Join(segs[i+1:], "/")
		}
	}
	if node != nil && node.entry != nil {
		return RouteMatch{Route: node.entry}, true
	}
	if bestCatch != nil {
		return RouteMatch{Route: bestCatch, Rest: bestRest}, true
	}
	return RouteMatch{}, false
}
