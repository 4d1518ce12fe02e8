package presence

import (
	"io"
	"sync"

	"github.com/google/uuid"
)

// Registry tracks live connections and the rooms each one has joined.
type Registry struct {
	mu    sync.RWMutex
	data  map[string]*Connection
	newID func() string
}

type RegistryOption func(*Registry)

// WithIDSource draws connection ids from r instead of crypto/rand. Tests use
// it with a seeded reader to get reproducible ids.
func WithIDSource(r io.Reader) RegistryOption {
	return func(reg *Registry) {
		reg.newID = func() string {
			id, err := uuid.NewRandomFromReader(r)
			if err != nil {
				return uuid.NewString()
			}
			return id.String()
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		data:  make(map[string]*Connection),
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// OnConnect allocates a connection with a fresh id and no memberships.
func (r *Registry) OnConnect(cl *Client) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for _, taken := r.data[id]; taken; _, taken = r.data[id] {
		id = uuid.NewString()
	}
	c := &Connection{ID: id, Client: cl}
	r.data[id] = c
	return c
}

// OnDisconnect removes the connection and returns the memberships it held in
// join order. Unknown ids yield an empty slice.
func (r *Registry) OnDisconnect(id string) []Membership {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.data[id]
	if !ok {
		return []Membership{}
	}
	delete(r.data, id)
	return append([]Membership{}, c.memberships...)
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.data[id]
	return c, ok
}

func (r *Registry) memberships(id string) []Membership {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.data[id]
	if !ok {
		return nil
	}
	return append([]Membership(nil), c.memberships...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

func (r *Registry) addMembership(id string, m Membership) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.data[id]
	if !ok {
		return false
	}
	c.memberships = append(c.memberships, m)
	return true
}
