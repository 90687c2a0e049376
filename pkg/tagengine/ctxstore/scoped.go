package ctxstore

import "fmt"

// Scoped is the view handed to flow node contexts and scripts: the owning
// flow and node ids are pre-bound, so callers address entries by scope name
// and path only. The zero flowID binds flow and node scope to nothing;
// resolving them fails. The zero Scoped stores nothing and reads nothing,
// so hosts without a context store need no wiring.
type Scoped struct {
	store  *Store
	flowID string
	nodeID string
}

// Scoped returns a view bound to one flow/node pair. Either id may be empty
// when the corresponding scope is not addressable from the call site.
func (s *Store) Scoped(flowID, nodeID string) Scoped {
	return Scoped{store: s, flowID: flowID, nodeID: nodeID}
}

// Key flattens (scope, path) using the bound ids.
func (c Scoped) Key(scope, path string) (string, error) {
	switch scope {
	case ScopeGlobal, "":
		return GlobalKey(path), nil
	case ScopeFlow:
		if c.flowID == "" {
			return "", fmt.Errorf("ctxstore: flow scope unavailable here")
		}
		return FlowKey(c.flowID, path), nil
	case ScopeNode:
		if c.flowID == "" || c.nodeID == "" {
			return "", fmt.Errorf("ctxstore: node scope unavailable here")
		}
		return NodeKey(c.flowID, c.nodeID, path), nil
	default:
		return "", fmt.Errorf("ctxstore: unknown scope %q", scope)
	}
}

// Set stores a value in the named scope.
func (c Scoped) Set(scope, path string, value any) error {
	if c.store == nil {
		return fmt.Errorf("ctxstore: store unavailable")
	}
	key, err := c.Key(scope, path)
	if err != nil {
		return err
	}
	c.store.Set(key, value)
	return nil
}

// Get returns the value stored in the named scope.
func (c Scoped) Get(scope, path string) (any, bool) {
	if c.store == nil {
		return nil, false
	}
	key, err := c.Key(scope, path)
	if err != nil {
		return nil, false
	}
	return c.store.Value(key)
}

// Has reports whether the named scope holds the path.
func (c Scoped) Has(scope, path string) bool {
	if c.store == nil {
		return false
	}
	key, err := c.Key(scope, path)
	if err != nil {
		return false
	}
	return c.store.Has(key)
}

// Delete removes the path from the named scope.
func (c Scoped) Delete(scope, path string) error {
	if c.store == nil {
		return fmt.Errorf("ctxstore: store unavailable")
	}
	key, err := c.Key(scope, path)
	if err != nil {
		return err
	}
	c.store.Delete(key)
	return nil
}
