// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe configuration registry with typed items, YAML loading and
// hot-reload propagation. Keys are dotted, lower-case ("tcp.connect.timeout").

package control

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var cfgLogger = slog.With("logger", "system")

// item is the untyped view the registry keeps of every ConfigItem[T].
type item interface {
	Key() string
	Description() string
	setFromAny(v any) error
	valueAny() any
}

// Config is a registry of typed configuration items.
type Config struct {
	mu        sync.RWMutex
	items     map[string]item
	listeners []func()
}

// NewConfig creates an empty configuration registry.
func NewConfig() *Config {
	return &Config{items: make(map[string]item)}
}

var defaultConfig = NewConfig()

// Default returns the process-wide configuration registry.
func Default() *Config { return defaultConfig }

// ConfigItem is a single typed configuration value with change listeners.
type ConfigItem[T any] struct {
	key  string
	desc string

	mu        sync.RWMutex
	val       T
	nextLsn   uint64
	listeners map[uint64]func(oldVal, newVal T)
}

// GetOrAdd returns the item registered under key, creating it with the given
// default when absent. Registering the same key with a different type is a
// programmer error.
func GetOrAdd[T any](c *Config, key string, def T, desc string) *ConfigItem[T] {
	key = strings.ToLower(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.items[key]; ok {
		typed, ok := existing.(*ConfigItem[T])
		if !ok {
			panic(fmt.Sprintf("control: config item %q registered with a different type", key))
		}
		return typed
	}
	it := &ConfigItem[T]{
		key:       key,
		desc:      desc,
		val:       def,
		listeners: make(map[uint64]func(T, T)),
	}
	c.items[key] = it
	return it
}

// Lookup returns the raw item registered under key, if any.
func (c *Config) Lookup(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[strings.ToLower(key)]
	return it, ok
}

// Snapshot returns a copy of all current key/value pairs.
func (c *Config) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.items))
	for k, it := range c.items {
		out[k] = it.valueAny()
	}
	return out
}

// OnReload registers a hook invoked after every successful bulk load.
func (c *Config) OnReload(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// LoadYAMLFile reads a YAML document and applies it to registered items.
func (c *Config) LoadYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config read: %w", err)
	}
	return c.LoadYAML(data)
}

// LoadYAML applies a YAML document. Nested mappings flatten to dotted keys;
// keys without a registered item are ignored so partial files are fine.
func (c *Config) LoadYAML(data []byte) error {
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("config parse: %w", err)
	}
	flat := make(map[string]any)
	flatten("", tree, flat)

	c.mu.RLock()
	pending := make(map[item]any)
	for k, v := range flat {
		if it, ok := c.items[k]; ok {
			pending[it] = v
		}
	}
	reload := append([]func(){}, c.listeners...)
	c.mu.RUnlock()

	for it, v := range pending {
		if err := it.setFromAny(v); err != nil {
			cfgLogger.Error("config item load failed", "key", it.Key(), "error", err)
		}
	}
	for _, fn := range reload {
		fn()
	}
	return nil
}

// LoadEnv applies environment overrides: PREFIX_TCP_CONNECT_TIMEOUT maps to
// tcp.connect.timeout.
func (c *Config) LoadEnv(prefix string) {
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 || !strings.HasPrefix(kv[:eq], prefix+"_") {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(kv[len(prefix)+1:eq], "_", "."))
		c.mu.RLock()
		it, ok := c.items[key]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		if err := it.setFromAny(kv[eq+1:]); err != nil {
			cfgLogger.Error("config env override failed", "key", key, "error", err)
		}
	}
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(key, sub, out)
			continue
		}
		out[key] = v
	}
}

// Key returns the item's dotted key.
func (it *ConfigItem[T]) Key() string { return it.key }

// Description returns the item's registration description.
func (it *ConfigItem[T]) Description() string { return it.desc }

// Value returns the current value.
func (it *ConfigItem[T]) Value() T {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.val
}

// SetValue stores a new value and notifies listeners with old and new.
func (it *ConfigItem[T]) SetValue(v T) {
	it.mu.Lock()
	old := it.val
	it.val = v
	lsns := make([]func(T, T), 0, len(it.listeners))
	for _, fn := range it.listeners {
		lsns = append(lsns, fn)
	}
	it.mu.Unlock()
	for _, fn := range lsns {
		fn(old, v)
	}
}

// AddListener registers a change callback and returns its id.
func (it *ConfigItem[T]) AddListener(fn func(oldVal, newVal T)) uint64 {
	it.mu.Lock()
	defer it.mu.Unlock()
	id := it.nextLsn
	it.nextLsn++
	it.listeners[id] = fn
	return id
}

// RemoveListener drops a previously registered callback.
func (it *ConfigItem[T]) RemoveListener(id uint64) {
	it.mu.Lock()
	defer it.mu.Unlock()
	delete(it.listeners, id)
}

// setFromAny converts an arbitrary YAML/env value into T, then stores it
// through SetValue so listeners fire. String input (environment overrides)
// is parsed as a bare YAML scalar; anything else round-trips through the
// codec.
func (it *ConfigItem[T]) setFromAny(v any) error {
	var raw []byte
	if s, ok := v.(string); ok {
		raw = []byte(s)
	} else {
		var err error
		raw, err = yaml.Marshal(v)
		if err != nil {
			return err
		}
	}
	var typed T
	if err := yaml.Unmarshal(raw, &typed); err != nil {
		return err
	}
	it.SetValue(typed)
	return nil
}

func (it *ConfigItem[T]) valueAny() any { return it.Value() }
