package pipelines

import (
	"fmt"
	"sort"

	"github.com/drblury/agentflow/internal/cache"
	"github.com/drblury/agentflow/internal/graph"
)

// Catalog compiles pipelines on first use and hands out the cached graph
// afterwards. Concurrent first requests for one pipeline share a single
// compilation.
type Catalog struct {
	computes Computes
	opts     Options
	defs     map[string]Definition
	graphs   *cache.Keyed[*graph.CompiledGraph]
}

// NewCatalog binds computes to every known pipeline. Builtins are included
// unless computes overrides them.
func NewCatalog(computes Computes, opts Options) *Catalog {
	return &Catalog{
		computes: Builtins().Merge(computes),
		opts:     opts.withDefaults(),
		defs:     Definitions(),
		graphs:   cache.New[*graph.CompiledGraph](),
	}
}

type cacheKey struct {
	Pipeline string  `json:"pipeline"`
	Options  Options `json:"options"`
}

// Graph returns the compiled pipeline called name.
func (c *Catalog) Graph(name string) (*graph.CompiledGraph, error) {
	def, ok := c.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownPipeline, name)
	}
	key, err := cache.KeyOf(cacheKey{Pipeline: name, Options: c.opts}, def.NodeNames()...)
	if err != nil {
		return nil, err
	}
	return c.graphs.Get(key, func() (*graph.CompiledGraph, error) {
		return def.Build(c.computes, c.opts)
	})
}

// RecursionLimit is the iteration budget for runs of catalog graphs.
func (c *Catalog) RecursionLimit() int { return c.opts.RecursionLimit }

// Names lists the pipelines the catalog can compile.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.defs))
	for name := range c.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Compiled reports how many graphs were compiled so far.
func (c *Catalog) Compiled() int { return c.graphs.Builds() }
