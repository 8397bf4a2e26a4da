package router

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/a-essam23/livepoll/pkg/protocol"
)

// Registry maps inbound event names, aliases included, to their decoders.
type Registry struct {
	logger *slog.Logger

	decoders map[string]DecodeFunc
	aliases  map[string]string
	mu       sync.RWMutex
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger.With(slog.String("component", "event_registry")),
		decoders: make(map[string]DecodeFunc),
		aliases:  make(map[string]string),
	}
}

// RegisterCore registers every event the session understands along with the
// names the legacy browser client uses for them.
func (r *Registry) RegisterCore() {
	r.RegisterDecoder(protocol.InJoin, decodeJoin)
	r.RegisterDecoder(protocol.InCreatePoll, decodeCreatePoll)
	r.RegisterDecoder(protocol.InVote, decodeVote)
	r.RegisterDecoder(protocol.InKick, decodeKick)
	r.RegisterDecoder(protocol.InChatMessage, decodeChat)

	r.RegisterAlias(protocol.AliasJoin, protocol.InJoin)
	r.RegisterAlias(protocol.AliasVote, protocol.InVote)
	r.RegisterAlias(protocol.AliasKick, protocol.InKick)
	r.RegisterAlias(protocol.AliasChatMessage, protocol.InChatMessage)
	r.logger.Info("Registered core events", slog.Int("events", len(r.decoders)), slog.Int("aliases", len(r.aliases)))
}

func (r *Registry) RegisterDecoder(name string, fn DecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.decoders[name]; exists {
		panic("event decoder already registered: " + name)
	}
	if _, exists := r.aliases[name]; exists {
		panic("event name already registered as an alias: " + name)
	}
	r.decoders[name] = fn
}

func (r *Registry) RegisterAlias(alias, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.decoders[canonical]; !exists {
		panic("alias " + alias + " points at unregistered event: " + canonical)
	}
	if _, exists := r.decoders[alias]; exists {
		panic("alias shadows a registered event: " + alias)
	}
	if _, exists := r.aliases[alias]; exists {
		panic("alias already registered: " + alias)
	}
	r.aliases[alias] = canonical
}

// Lookup resolves name, which may be an alias, to its canonical event name and decoder.
func (r *Registry) Lookup(name string) (string, DecodeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	fn, ok := r.decoders[name]
	return name, fn, ok
}

// Resolve is Lookup without the decoder, falling back to a case-insensitive
// match. Config keys arrive lower-cased.
func (r *Registry) Resolve(name string) (string, bool) {
	if canonical, _, ok := r.Lookup(name); ok {
		return canonical, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for alias, canonical := range r.aliases {
		if strings.EqualFold(alias, name) {
			return canonical, true
		}
	}
	for canonical := range r.decoders {
		if strings.EqualFold(canonical, name) {
			return canonical, true
		}
	}
	return "", false
}

// Events returns the canonical event names, sorted.
func (r *Registry) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.decoders))
	for name := range r.decoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
