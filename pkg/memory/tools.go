package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/recall/pkg/toolexecutor"
)

// ToolRegistrar is the part of the tool registry the memory tools need.
type ToolRegistrar interface {
	Register(def toolexecutor.ToolDefinition) error
}

// Tools exposes the engine and indexer to an agent as memory_search,
// memory_write, memory_forget and memory_status.
type Tools struct {
	Engine   *Engine
	Indexer  *Indexer
	Store    Store
	Defaults SearchOptions
}

// MemorySearchParams defines parameters for memory_search tool
type MemorySearchParams struct {
	Query         string   `json:"query"`
	Limit         int      `json:"limit,omitempty"`
	VectorWeight  *float64 `json:"vector_weight,omitempty"`
	KeywordWeight *float64 `json:"keyword_weight,omitempty"`
}

// MemorySearchResult represents the result of a memory search
type MemorySearchResult struct {
	Query   string         `json:"query"`
	Count   int            `json:"count"`
	Results []RankedResult `json:"results"`
}

// Search runs memory_search. Unset fields fall back to the defaults.
func (t *Tools) Search(ctx context.Context, params MemorySearchParams) (*MemorySearchResult, error) {
	opts := t.Defaults
	if params.Limit > 0 {
		opts.Limit = params.Limit
	}
	if params.VectorWeight != nil {
		opts.VectorWeight = *params.VectorWeight
	}
	if params.KeywordWeight != nil {
		opts.KeywordWeight = *params.KeywordWeight
	}

	results, err := t.Engine.Search(ctx, params.Query, opts)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return &MemorySearchResult{
		Query:   params.Query,
		Count:   len(results),
		Results: results,
	}, nil
}

// MemoryWriteResult represents the result of a memory write
type MemoryWriteResult struct {
	Source    string `json:"source"`
	Chunks    int    `json:"chunks"`
	Permanent bool   `json:"permanent"`
}

// Write runs memory_write.
func (t *Tools) Write(ctx context.Context, text string, permanent bool) (*MemoryWriteResult, error) {
	source, chunks, err := t.Indexer.WriteMemory(ctx, text, permanent)
	if err != nil {
		return nil, fmt.Errorf("write failed: %w", err)
	}
	return &MemoryWriteResult{Source: source, Chunks: chunks, Permanent: permanent}, nil
}

// MemoryForgetResult represents the result of a memory retraction
type MemoryForgetResult struct {
	Source    string `json:"source"`
	Forgotten bool   `json:"forgotten"`
}

// Forget runs memory_forget.
func (t *Tools) Forget(ctx context.Context, source string) (*MemoryForgetResult, error) {
	if err := t.Indexer.Forget(ctx, source); err != nil {
		return nil, fmt.Errorf("forget failed: %w", err)
	}
	return &MemoryForgetResult{Source: source, Forgotten: true}, nil
}

// MemoryStatusResult summarizes the index.
type MemoryStatusResult struct {
	Stats    StoreStats   `json:"stats"`
	LastSync *SyncReport  `json:"last_sync,omitempty"`
	Sources  []SourceInfo `json:"sources,omitempty"`
}

// Status runs memory_status. Sources are listed only on request.
func (t *Tools) Status(ctx context.Context, listSources bool) (*MemoryStatusResult, error) {
	stats, err := t.Store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("status failed: %w", err)
	}
	res := &MemoryStatusResult{Stats: stats}
	if report, ok := t.Indexer.LastSync(); ok {
		res.LastSync = &report
	}
	if listSources {
		sources, err := t.Store.ListSources(ctx)
		if err != nil {
			return nil, fmt.Errorf("status failed: %w", err)
		}
		res.Sources = sources
	}
	return res, nil
}

// Register adds the four memory tools. memory_write and memory_forget
// default to Ask; registry policy overrides still apply.
func (t *Tools) Register(reg ToolRegistrar) error {
	defs := []toolexecutor.ToolDefinition{
		{
			Name:        "memory_search",
			Description: "Search long-term memory with hybrid semantic and keyword retrieval. Returns the most relevant, recent and diverse passages.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "query", Type: "string", Description: "What to look for", Required: true},
				{Name: "limit", Type: "integer", Description: fmt.Sprintf("Maximum number of results (default: %d)", t.Defaults.Limit)},
				{Name: "vector_weight", Type: "number", Description: fmt.Sprintf("Weight for semantic similarity (default: %g)", t.Defaults.VectorWeight)},
				{Name: "keyword_weight", Type: "number", Description: fmt.Sprintf("Weight for keyword matching (default: %g)", t.Defaults.KeywordWeight)},
			},
			Approval: toolexecutor.PolicyAllow,
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				var p MemorySearchParams
				p.Query, _ = toolexecutor.StringArg(params, "query")
				limit, err := toolexecutor.IntArg(params, "limit", 0)
				if err != nil {
					return nil, err
				}
				p.Limit = limit
				if _, ok := params["vector_weight"]; ok {
					w, err := toolexecutor.FloatArg(params, "vector_weight", 0)
					if err != nil {
						return nil, err
					}
					p.VectorWeight = &w
				}
				if _, ok := params["keyword_weight"]; ok {
					w, err := toolexecutor.FloatArg(params, "keyword_weight", 0)
					if err != nil {
						return nil, err
					}
					p.KeywordWeight = &w
				}
				return t.Search(ctx, p)
			},
		},
		{
			Name:        "memory_write",
			Description: "Store a note in long-term memory. Permanent notes are never down-weighted by age.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "text", Type: "string", Description: "The note to remember", Required: true},
				{Name: "permanent", Type: "boolean", Description: "Exempt the note from recency decay", Default: false},
			},
			Approval: toolexecutor.PolicyAsk,
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				text, _ := toolexecutor.StringArg(params, "text")
				return t.Write(ctx, text, toolexecutor.BoolArg(params, "permanent", false))
			},
		},
		{
			Name:        "memory_forget",
			Description: "Remove a memory source (a memory:// note or an indexed file) from the index.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "source", Type: "string", Description: "Source path as returned by memory_search or memory_write", Required: true},
			},
			Approval: toolexecutor.PolicyAsk,
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				source, _ := toolexecutor.StringArg(params, "source")
				return t.Forget(ctx, source)
			},
		},
		{
			Name:        "memory_status",
			Description: "Report how many sources and chunks are indexed and when the last sync ran.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "list_sources", Type: "boolean", Description: "Include every indexed source", Default: false},
			},
			Approval: toolexecutor.PolicyAllow,
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return t.Status(ctx, toolexecutor.BoolArg(params, "list_sources", false))
			},
		},
	}

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("failed to register %s tool: %w", def.Name, err)
		}
	}
	return nil
}

// FormatAge renders how long ago t was relative to now.
func FormatAge(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
