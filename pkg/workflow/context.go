package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// KeyResolver fetches a named secret on demand. It is provided by the
// orchestrator; the engine tolerates both a nil resolver and a miss
// (ok=false), either of which resolves $keys.* to undefined.
type KeyResolver func(name string) (value any, ok bool)

// deletedMarker is the sentinel recorded in a state delta when the sandbox
// deletes a key. It marshals to null; ApplyDeltas turns it into a map delete.
type deletedMarker struct{}

// MarshalJSON renders the deletion marker as null.
func (deletedMarker) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// Deleted marks a key removed by user code. Deletions are tracked only by
// the code sandbox diff; everywhere else deltas are additive.
var Deleted = deletedMarker{}

// IsDeleted reports whether a delta value is the deletion marker.
func IsDeleted(v any) bool {
	_, ok := v.(deletedMarker)
	return ok
}

// CachePair is one cache entry in serialized form. It marshals as a
// two-element [key, value] array so insertion order survives persistence.
type CachePair struct {
	Key   string
	Value any
}

// MarshalJSON encodes the pair as [key, value].
func (p CachePair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Key, p.Value})
}

// UnmarshalJSON decodes a [key, value] array.
func (p *CachePair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("cache pair must be a [key, value] array: %w", err)
	}
	if err := json.Unmarshal(raw[0], &p.Key); err != nil {
		return fmt.Errorf("cache pair key must be a string: %w", err)
	}
	if len(raw[1]) == 0 {
		p.Value = nil
		return nil
	}
	return json.Unmarshal(raw[1], &p.Value)
}

// Cache is an insertion-ordered string-keyed map. Runs use it for dedupe
// bookkeeping; it is cleared between runs and persisted only inside
// PausedRunState (as an ordered pair sequence).
type Cache struct {
	keys   []string
	values map[string]any
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{values: make(map[string]any)}
}

// CacheFromPairs rebuilds a cache from its serialized pair form, preserving
// order.
func CacheFromPairs(pairs []CachePair) *Cache {
	c := NewCache()
	for _, p := range pairs {
		c.Set(p.Key, p.Value)
	}
	return c
}

// Get returns the value for key.
func (c *Cache) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Set stores a value, appending the key on first insert.
func (c *Cache) Set(key string, value any) {
	if _, exists := c.values[key]; !exists {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// Delete removes a key if present.
func (c *Cache) Delete(key string) {
	if _, exists := c.values[key]; !exists {
		return
	}
	delete(c.values, key)
	for i, k := range c.keys {
		if k == key {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
}

// Has reports whether key is present.
func (c *Cache) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Len returns the number of entries.
func (c *Cache) Len() int { return len(c.keys) }

// Pairs returns the entries in insertion order. Values are deep-copied so
// the serialized form cannot alias live run state.
func (c *Cache) Pairs() []CachePair {
	pairs := make([]CachePair, 0, len(c.keys))
	for _, k := range c.keys {
		pairs = append(pairs, CachePair{Key: k, Value: DeepCopyValue(c.values[k])})
	}
	return pairs
}

// Clone returns an independent copy with the same order and deep-copied
// values.
func (c *Cache) Clone() *Cache {
	out := NewCache()
	for _, k := range c.keys {
		out.Set(k, DeepCopyValue(c.values[k]))
	}
	return out
}

// RunInfo is the read-only run metadata exposed to blocks as $run.
type RunInfo struct {
	ID          string      `json:"id"`
	WorkflowID  string      `json:"workflowId"`
	Version     int         `json:"version"`
	OrgID       string      `json:"orgId"`
	DeviceID    string      `json:"deviceId,omitempty"`
	TriggerType TriggerType `json:"triggerType"`
	StartedAt   time.Time   `json:"startedAt"`

	// Current position, updated by the interpreter before each block.
	StepIndex int    `json:"stepIndex"`
	BlockID   string `json:"blockId"`
	BlockName string `json:"blockName"`
	BlockType string `json:"blockType"`
}

// AsMap returns the $run scope view.
func (r *RunInfo) AsMap() map[string]any {
	return map[string]any{
		"id":          r.ID,
		"workflowId":  r.WorkflowID,
		"version":     r.Version,
		"orgId":       r.OrgID,
		"deviceId":    r.DeviceID,
		"triggerType": string(r.TriggerType),
		"startedAt":   r.StartedAt.UTC().Format(time.RFC3339),
		"stepIndex":   r.StepIndex,
		"blockId":     r.BlockID,
		"blockName":   r.BlockName,
		"blockType":   r.BlockType,
	}
}

// Context is the in-memory scope of a single run. State, cache, and
// artifacts are owned by the run and mutated only by the active handler and
// the run builder; secrets, paths, and run metadata are read-only to
// handlers.
type Context struct {
	State     map[string]any
	Cache     *Cache
	Artifacts []Artifact
	Secrets   map[string]string
	Paths     map[string]string
	Run       RunInfo
	Event     map[string]any
	Loops     map[string]*LoopState

	// KeyResolver backs the $keys scope. May be nil.
	KeyResolver KeyResolver

	// LastError is the $error scope: the most recent step failure, or nil.
	LastError map[string]any

	// loopStack tracks open loop ids, most recent last. $row/$item/$index
	// resolve against the top of this stack.
	loopStack []string
}

// NewContext creates a run context with empty collections.
func NewContext() *Context {
	return &Context{
		State: make(map[string]any),
		Cache: NewCache(),
		Event: make(map[string]any),
		Loops: make(map[string]*LoopState),
	}
}

// OpenLoop records a loop entry and pushes it onto the loop stack.
func (c *Context) OpenLoop(id string, index int, artifact any) {
	c.Loops[id] = &LoopState{Index: index, Artifact: artifact}
	c.loopStack = append(c.loopStack, id)
}

// CloseLoop pops the most recently opened loop with the given id.
func (c *Context) CloseLoop(id string) {
	for i := len(c.loopStack) - 1; i >= 0; i-- {
		if c.loopStack[i] == id {
			c.loopStack = append(c.loopStack[:i], c.loopStack[i+1:]...)
			return
		}
	}
}

// CurrentLoop returns the most recently opened loop, if any.
func (c *Context) CurrentLoop() (*LoopState, bool) {
	if len(c.loopStack) == 0 {
		return nil, false
	}
	ls, ok := c.Loops[c.loopStack[len(c.loopStack)-1]]
	return ls, ok
}

// Snapshot produces the serializable projection used by PausedRunState.
func (c *Context) Snapshot() *ContextSnapshot {
	snap := &ContextSnapshot{
		State:     DeepCopyMap(c.State),
		Cache:     c.Cache.Pairs(),
		Artifacts: make([]Artifact, len(c.Artifacts)),
		Event:     DeepCopyMap(c.Event),
	}
	copy(snap.Artifacts, c.Artifacts)
	if len(c.Loops) > 0 {
		snap.Loops = make(map[string]*LoopState, len(c.Loops))
		for id, ls := range c.Loops {
			snap.Loops[id] = &LoopState{Index: ls.Index, Artifact: DeepCopyValue(ls.Artifact)}
		}
	}
	return snap
}

// RestoreContext rebuilds a run context from a snapshot. Secrets, paths,
// and the key resolver are reattached by the caller; they are never part of
// the snapshot.
func RestoreContext(snap *ContextSnapshot) *Context {
	ctx := NewContext()
	if snap == nil {
		return ctx
	}
	if snap.State != nil {
		ctx.State = DeepCopyMap(snap.State)
	}
	ctx.Cache = CacheFromPairs(snap.Cache)
	ctx.Artifacts = make([]Artifact, len(snap.Artifacts))
	copy(ctx.Artifacts, snap.Artifacts)
	if snap.Event != nil {
		ctx.Event = DeepCopyMap(snap.Event)
	}
	for id, ls := range snap.Loops {
		ctx.Loops[id] = &LoopState{Index: ls.Index, Artifact: DeepCopyValue(ls.Artifact)}
	}
	return ctx
}

// CloneForIteration creates the isolated context used by a deferred
// iteration: fresh copies of state, cache, artifacts, and the event map;
// shared read-only secrets, paths, run metadata, and key resolver. The event
// copy matters for parallel iterations, whose handlers may write event deltas
// concurrently.
func (c *Context) CloneForIteration() *Context {
	clone := &Context{
		State:       DeepCopyMap(c.State),
		Cache:       c.Cache.Clone(),
		Artifacts:   make([]Artifact, len(c.Artifacts)),
		Secrets:     c.Secrets,
		Paths:       c.Paths,
		Run:         c.Run,
		Event:       DeepCopyMap(c.Event),
		Loops:       make(map[string]*LoopState, len(c.Loops)),
		KeyResolver: c.KeyResolver,
		LastError:   c.LastError,
	}
	copy(clone.Artifacts, c.Artifacts)
	for id, ls := range c.Loops {
		clone.Loops[id] = &LoopState{Index: ls.Index, Artifact: ls.Artifact}
	}
	clone.loopStack = append([]string(nil), c.loopStack...)
	return clone
}

// DeepCopyValue copies a JSON-like value (nil, bool, number, string,
// []any, map[string]any). Values outside that space are returned as-is;
// handlers are expected to keep context values JSON-like.
func DeepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = DeepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// DeepCopyMap deep-copies a string-keyed map over the JSON-like value space.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = DeepCopyValue(v)
	}
	return out
}

// DeepEqual compares two JSON-like values structurally. Numeric values are
// compared by float64 value so 1 and 1.0 (JSON round-trip artifacts) are
// equal.
func DeepEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bval, present := bv[k]
			if !present || !DeepEqual(v, bval) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !DeepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// toFloat coerces numeric types that appear after JSON or YAML decoding.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
