package state

import (
	"fmt"

	"github.com/matheus3301/sessync/internal/configs"
	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
)

// Objects are the live objects of one identity. They are only valid inside
// the Update or Read callback that received them.
type Objects struct {
	Identity string
	configs  map[namespace.Namespace]mergeable.Config
}

// Get returns the object for ns.
func (o Objects) Get(ns namespace.Namespace) (mergeable.Config, error) {
	c, ok := o.configs[ns]
	if !ok {
		return nil, fmt.Errorf("%w: %s for %q", ErrInvalidConfigObject, ns, o.Identity)
	}
	return c, nil
}

// Keys returns the group key ring.
func (o Objects) Keys() (*configs.Keys, error) {
	c, err := o.Get(namespace.GroupKeys)
	if err != nil {
		return nil, err
	}
	k, ok := c.(*configs.Keys)
	if !ok {
		return nil, fmt.Errorf("%w: %s for %q", ErrInvalidConfigObject, namespace.GroupKeys, o.Identity)
	}
	return k, nil
}

// Object returns the keyed-map object for ns.
func (o Objects) Object(ns namespace.Namespace) (*mergeable.Object, error) {
	c, err := o.Get(ns)
	if err != nil {
		return nil, err
	}
	obj, ok := c.(*mergeable.Object)
	if !ok {
		return nil, fmt.Errorf("%w: %s for %q", ErrInvalidConfigObject, ns, o.Identity)
	}
	return obj, nil
}

// All returns the objects in send order.
func (o Objects) All() []mergeable.Config {
	var out []mergeable.Config
	for _, ns := range namespace.Classify(o.Identity).Namespaces() {
		if c, ok := o.configs[ns]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (o Objects) has(ns namespace.Namespace) bool {
	_, ok := o.configs[ns]
	return ok
}

// RefreshGroupKeys loads the ring's keys into the info and members
// objects, newest first. Update calls it after every group update; merges
// call it between the key ring and the other namespaces.
func (o Objects) RefreshGroupKeys() {
	ring, err := o.Keys()
	if err != nil {
		return
	}
	keys := ring.GroupKeys()
	for _, ns := range []namespace.Namespace{namespace.GroupInfo, namespace.GroupMembers} {
		obj, err := o.Object(ns)
		if err != nil {
			continue
		}
		for i := len(keys) - 1; i >= 0; i-- {
			obj.AddKey(keys[i], true)
		}
	}
}
