// Package payload encodes job definitions. The queue stores definitions
// as opaque strings; each queue type registers a Codec that turns them
// into typed values and back through a versioned JSON envelope:
//
//	{"v":1,"kind":"task","body":{...}}
package payload

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/SirClappington/maintd/internal/domain"
)

// Definition is a decoded job definition.
type Definition interface {
	PayloadKind() string
}

type envelope struct {
	V    int             `json:"v"`
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Codec encodes the definitions of one queue type.
type Codec struct {
	version int
	kinds   map[string]func() Definition
}

func NewCodec(version int) *Codec {
	return &Codec{version: version, kinds: make(map[string]func() Definition)}
}

// Register adds a definition kind. factory returns a pointer to a zero value.
func (c *Codec) Register(kind string, factory func() Definition) *Codec {
	c.kinds[kind] = factory
	return c
}

func (c *Codec) Encode(d Definition) (string, error) {
	kind := d.PayloadKind()
	if _, ok := c.kinds[kind]; !ok {
		return "", errors.Errorf("payload: unregistered kind %q", kind)
	}
	body, err := json.Marshal(d)
	if err != nil {
		return "", errors.Wrapf(err, "payload: encode %s", kind)
	}
	if string(body) == "{}" {
		body = nil
	}
	out, err := json.Marshal(envelope{V: c.version, Kind: kind, Body: body})
	if err != nil {
		return "", errors.Wrap(err, "payload: encode envelope")
	}
	return string(out), nil
}

func (c *Codec) Decode(s string) (Definition, error) {
	var env envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, errors.Wrap(err, "payload: decode envelope")
	}
	if env.V != c.version {
		return nil, errors.Errorf("payload: version %d, want %d", env.V, c.version)
	}
	factory, ok := c.kinds[env.Kind]
	if !ok {
		return nil, errors.Errorf("payload: unknown kind %q", env.Kind)
	}
	d := factory()
	if len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, d); err != nil {
			return nil, errors.Wrapf(err, "payload: decode %s", env.Kind)
		}
	}
	return d, nil
}

// Registry maps queue types to their codecs.
type Registry struct {
	mu     sync.RWMutex
	codecs map[domain.QueueType]*Codec
}

func NewRegistry() *Registry {
	return &Registry{codecs: make(map[domain.QueueType]*Codec)}
}

func (r *Registry) Register(qt domain.QueueType, c *Codec) {
	r.mu.Lock()
	r.codecs[qt] = c
	r.mu.Unlock()
}

func (r *Registry) Codec(qt domain.QueueType) (*Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[qt]
	if !ok {
		return nil, errors.Errorf("payload: no codec for queue type %s", qt)
	}
	return c, nil
}

func (r *Registry) Encode(qt domain.QueueType, d Definition) (string, error) {
	c, err := r.Codec(qt)
	if err != nil {
		return "", err
	}
	return c.Encode(d)
}

func (r *Registry) Decode(qt domain.QueueType, s string) (Definition, error) {
	c, err := r.Codec(qt)
	if err != nil {
		return nil, err
	}
	return c.Decode(s)
}
