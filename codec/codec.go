// Package codec provides the serialization capability the RPC core consumes.
//
// The core never looks inside payload bytes; it only calls Encode on the way out
// and Decode on the way in, with whatever Codec the caller supplied. Failures are
// plain errors here; the client and dispatcher tag them as serialization errors
// so that a bad value aborts only its own call.
package codec

import (
	"fmt"
	"sort"
	"sync"
)

// Codec turns application values into payload bytes and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string // e.g. "json", "proto"
}

var (
	mu       sync.RWMutex
	registry = map[string]Codec{}
)

func init() {
	Register(&JSONCodec{})
	Register(&RawCodec{})
	Register(&ProtoCodec{})
	Register(Snappy(&JSONCodec{}))
	Register(Snappy(&ProtoCodec{}))
}

// Register makes c available through Get under c.Name(). A later registration
// with the same name replaces the earlier one.
func Register(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	registry[c.Name()] = c
}

// Get returns the codec registered under name.
func Get(name string) (Codec, error) {
	mu.RLock()
	defer mu.RUnlock()
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
	return c, nil
}

// Names lists registered codec names in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default is the codec used when none is configured.
func Default() Codec {
	return &JSONCodec{}
}
