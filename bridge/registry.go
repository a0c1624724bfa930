package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-httpbridge/contracts"
)

// DefaultRetiredCapacity is how many ended connection ids are remembered
const DefaultRetiredCapacity = 256

// Registry maps bound connection ids to their live connections. Ended ids
// are kept in a bounded cache so lookups can say why an id is gone.
type Registry struct {
	mu       sync.RWMutex
	active   map[contracts.ConnectionID]*Connection
	retired  *lru.Cache[contracts.ConnectionID, State]
	observer Observer
}

// NewRegistry creates a registry remembering up to retiredCapacity ended ids
func NewRegistry(retiredCapacity int, observer Observer) (*Registry, error) {
	if retiredCapacity <= 0 {
		retiredCapacity = DefaultRetiredCapacity
	}
	if observer == nil {
		observer = NoopObserver
	}
	retired, err := lru.New[contracts.ConnectionID, State](retiredCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create retired id cache: %w", err)
	}
	return &Registry{
		active:   make(map[contracts.ConnectionID]*Connection),
		retired:  retired,
		observer: observer,
	}, nil
}

// Add registers a connection under its bound id
func (r *Registry) Add(c *Connection) error {
	id := c.ID()
	if id.IsZero() {
		return ErrMissingConnectionID
	}

	r.mu.Lock()
	if _, exists := r.active[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, id)
	}
	r.active[id] = c
	n := len(r.active)
	r.mu.Unlock()

	r.retired.Remove(id)
	r.observer.Connections(n)
	return nil
}

// Lookup returns the live connection bound to id
func (r *Registry) Lookup(id contracts.ConnectionID) (*Connection, error) {
	r.mu.RLock()
	c, ok := r.active[id]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}
	if state, retired := r.retired.Get(id); retired {
		return nil, &NotFoundError{ID: id, Retired: true, State: state}
	}
	return nil, &NotFoundError{ID: id}
}

// Remove drops c and remembers the state it ended in. It is a no-op when
// c is not the connection registered under its id.
func (r *Registry) Remove(c *Connection, final State) {
	id := c.ID()
	r.mu.Lock()
	current, ok := r.active[id]
	ok = ok && current == c
	if ok {
		delete(r.active, id)
	}
	n := len(r.active)
	r.mu.Unlock()

	if ok {
		r.retired.Add(id, final)
		r.observer.Connections(n)
	}
}

// Len returns the number of live connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// Connections returns a snapshot of the live connections
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.active))
	for _, c := range r.active {
		out = append(out, c)
	}
	return out
}

// CloseAll tears down every live connection concurrently
func (r *Registry) CloseAll(ctx context.Context) error {
	var g errgroup.Group
	for _, c := range r.Connections() {
		c := c
		g.Go(func() error {
			if err := c.Close(ctx); err != nil && !errors.Is(err, ErrAlreadyClosed) {
				return fmt.Errorf("failed to close connection %s: %w", c.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
