// Package store is the durable key/value collaborator: namespaced blobs that survive a
// power cycle. Typed scalars are layered on top by Session.
package store

import (
	"errors"
	"strconv"
)

// ErrNotFound is returned by Get when the key was never written or has been removed.
var ErrNotFound = errors.New("store: key not found")

// Store is a namespaced, synchronous key/value store.
type Store interface {
	Get(namespace, key string) ([]byte, error)
	Put(namespace, key string, value []byte) error
	Remove(namespace, key string) error
	Close() error
}

// Session is a scoped handle on one namespace. Reads fall back to the supplied default
// on any miss or decode failure; storage trouble is never fatal to the caller.
type Session struct {
	s      Store
	ns     string
	closed bool
	err    error
}

// Begin opens a session on namespace. Call End when the batch of reads/writes is done.
func Begin(s Store, namespace string) *Session {
	return &Session{s: s, ns: namespace}
}

// End releases the session and reports the first write error seen, if any.
func (p *Session) End() error {
	p.closed = true
	return p.err
}

func (p *Session) get(key string) ([]byte, bool) {
	if p.closed {
		return nil, false
	}
	b, err := p.s.Get(p.ns, key)
	if err != nil {
		return nil, false
	}
	return b, true
}

func (p *Session) put(key string, b []byte) error {
	if p.closed {
		return errors.New("store: session ended")
	}
	err := p.s.Put(p.ns, key, b)
	if err != nil && p.err == nil {
		p.err = err
	}
	return err
}

func (p *Session) Has(key string) bool {
	_, ok := p.get(key)
	return ok
}

func (p *Session) GetString(key, def string) string {
	if b, ok := p.get(key); ok {
		return string(b)
	}
	return def
}

func (p *Session) GetInt(key string, def int) int {
	if b, ok := p.get(key); ok {
		if n, err := strconv.Atoi(string(b)); err == nil {
			return n
		}
	}
	return def
}

func (p *Session) GetBool(key string, def bool) bool {
	if b, ok := p.get(key); ok {
		if v, err := strconv.ParseBool(string(b)); err == nil {
			return v
		}
	}
	return def
}

// GetBytes returns the blob under key, or nil and false when absent.
func (p *Session) GetBytes(key string) ([]byte, bool) {
	return p.get(key)
}

func (p *Session) PutString(key, v string) error { return p.put(key, []byte(v)) }

func (p *Session) PutInt(key string, v int) error { return p.put(key, []byte(strconv.Itoa(v))) }

func (p *Session) PutBool(key string, v bool) error {
	return p.put(key, []byte(strconv.FormatBool(v)))
}

func (p *Session) PutBytes(key string, v []byte) error { return p.put(key, v) }

// Remove deletes key; removing an absent key is not an error.
func (p *Session) Remove(key string) error {
	if p.closed {
		return errors.New("store: session ended")
	}
	err := p.s.Remove(p.ns, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		if p.err == nil {
			p.err = err
		}
		return err
	}
	return nil
}
