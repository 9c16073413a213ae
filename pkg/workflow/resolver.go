package workflow

import (
	"github.com/blockflow/blockflow/pkg/workflow/ref"
)

// Env builds the resolver environment for this context. Secrets and paths
// are exposed read-only; mutation is impossible through the resolver.
func (c *Context) Env() ref.Env {
	return ref.Env{
		State:     c.State,
		CacheGet:  c.Cache.Get,
		Artifacts: ArtifactsView(c.Artifacts),
		Secrets:   stringMapAsAny(c.Secrets),
		Paths:     stringMapAsAny(c.Paths),
		Event:     c.Event,
		Run:       c.Run.AsMap(),
		Error:     c.LastError,
		Keys:      c.resolveKey,
		Loop:      c.loopView,
		Current:   c.currentLoopView,
	}
}

// Resolve evaluates a $-expression against this context.
func (c *Context) Resolve(expr string) any {
	return ref.Resolve(expr, c.Env())
}

// Interpolate substitutes {{...}} segments in template.
func (c *Context) Interpolate(template string) string {
	return ref.Interpolate(template, c.Env())
}

// ResolveValue dispatches on the shape of a logic value; see ref.ResolveValue.
func (c *Context) ResolveValue(value any) any {
	return ref.ResolveValue(value, c.Env())
}

func (c *Context) resolveKey(name string) (any, bool) {
	if c.KeyResolver == nil {
		return nil, false
	}
	return c.KeyResolver(name)
}

func (c *Context) loopView(id string) (map[string]any, bool) {
	ls, ok := c.Loops[id]
	if !ok {
		return nil, false
	}
	return map[string]any{"index": ls.Index, "artifact": ls.Artifact}, true
}

func (c *Context) currentLoopView() (map[string]any, bool) {
	ls, ok := c.CurrentLoop()
	if !ok {
		return nil, false
	}
	return map[string]any{"index": ls.Index, "artifact": ls.Artifact}, true
}

// ArtifactsView projects artifacts into the JSON-like space the resolver
// walks ($artifacts[0].name). The code sandbox uses the same projection.
func ArtifactsView(artifacts []Artifact) []any {
	if artifacts == nil {
		return nil
	}
	out := make([]any, len(artifacts))
	for i, a := range artifacts {
		m := map[string]any{
			"id":   a.ID,
			"name": a.Name,
		}
		if a.MediaType != "" {
			m["mediaType"] = a.MediaType
		}
		if a.Path != "" {
			m["path"] = a.Path
		}
		if a.Size > 0 {
			m["size"] = a.Size
		}
		if a.Data != nil {
			m["data"] = a.Data
		}
		out[i] = m
	}
	return out
}

func stringMapAsAny(m map[string]string) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
