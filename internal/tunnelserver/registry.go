package tunnelserver

import (
	"container/list"
	"fmt"
	"time"
)

// Registry holds the proxy connections of one tunnel server that are not yet
// paired, keyed by id and iterated in insertion order. It is not safe for
// concurrent use; the owning Server only touches it from its loop goroutine.
type Registry struct {
	order *list.List
	byID  map[string]*list.Element
}

func NewRegistry() *Registry {
	return &Registry{order: list.New(), byID: make(map[string]*list.Element)}
}

func (r *Registry) Insert(pc *ProxyConn) error {
	if _, ok := r.byID[pc.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, pc.ID())
	}
	r.byID[pc.ID()] = r.order.PushBack(pc)
	return nil
}

func (r *Registry) FindByID(id string) (*ProxyConn, error) {
	e, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProxyNotFound, id)
	}
	return e.Value.(*ProxyConn), nil
}

// RemoveByID reports whether id was present.
func (r *Registry) RemoveByID(id string) bool {
	e, ok := r.byID[id]
	if !ok {
		return false
	}
	r.order.Remove(e)
	delete(r.byID, id)
	return true
}

// SweepExpired removes and returns, oldest first, every waiting connection
// whose waiting duration is strictly greater than threshold.
func (r *Registry) SweepExpired(threshold time.Duration, now time.Time) []*ProxyConn {
	var expired []*ProxyConn
	for e := r.order.Front(); e != nil; {
		next := e.Next()
		pc := e.Value.(*ProxyConn)
		if pc.State() == StateWaiting && pc.WaitingDuration(now) > threshold {
			r.order.Remove(e)
			delete(r.byID, pc.ID())
			expired = append(expired, pc)
		}
		e = next
	}
	return expired
}

// All returns the entries in insertion order.
func (r *Registry) All() []*ProxyConn {
	out := make([]*ProxyConn, 0, r.order.Len())
	for e := r.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*ProxyConn))
	}
	return out
}

func (r *Registry) Len() int { return r.order.Len() }
