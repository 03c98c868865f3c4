package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/atem-voice/rtmt/internal/middletier"
)

// sourceIDPattern rejects anything that isn't a bare identifier before it
// ever reaches a SQL query, the Go mirror of the original implementation's
// injection guard in report_grounding.
var sourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_=\-]+$`)

var searchSchema = json.RawMessage(`{
	"type": "function",
	"name": "search",
	"description": "Search the knowledge base for information relevant to the user's question.",
	"parameters": {
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "The search query."}
		},
		"required": ["query"]
	}
}`)

var reportGroundingSchema = json.RawMessage(`{
	"type": "function",
	"name": "report_grounding",
	"description": "Report which knowledge base sources were used to ground the response.",
	"parameters": {
		"type": "object",
		"properties": {
			"sources": {
				"type": "array",
				"items": {"type": "string"},
				"description": "List of source chunk ids used."
			}
		},
		"required": ["sources"]
	}
}`)

// NewSearchTool wires the pgvector store and embedding provider into a
// middletier.Tool implementing the "search" function per the embed →
// nearest-neighbour → format contract.
func NewSearchTool(store *Store, embedder EmbeddingProvider, log *slog.Logger) middletier.Tool {
	if log == nil {
		log = slog.Default()
	}
	return middletier.Tool{
		Schema: searchSchema,
		Target: func(ctx context.Context, args json.RawMessage) (*middletier.ToolResult, error) {
			var params struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return &middletier.ToolResult{
					Payload:     fmt.Sprintf("Error searching knowledge base: %v", err),
					Destination: middletier.ToServer,
				}, nil
			}

			embedding, err := embedder.Embed(ctx, params.Query)
			if err != nil {
				return &middletier.ToolResult{
					Payload:     fmt.Sprintf("Error searching knowledge base: %v", err),
					Destination: middletier.ToServer,
				}, nil
			}

			docs, err := store.Search(ctx, embedding, 5)
			if err != nil {
				log.Warn("vector search failed, falling back to table scan", "error", err)
				docs, err = store.SearchFallback(ctx)
				if err != nil {
					return &middletier.ToolResult{
						Payload:     fmt.Sprintf("Error searching knowledge base: %v", err),
						Destination: middletier.ToServer,
					}, nil
				}
			}

			if len(docs) == 0 {
				return &middletier.ToolResult{
					Payload:     "No relevant information found in the knowledge base.",
					Destination: middletier.ToServer,
				}, nil
			}

			var sb strings.Builder
			for _, doc := range docs {
				fmt.Fprintf(&sb, "[%s]: %s\n-----\n", doc.ID, doc.Content)
			}
			return &middletier.ToolResult{
				Payload:     sb.String(),
				Destination: middletier.ToServer,
			}, nil
		},
	}
}

// groundingSource is one entry of report_grounding's TO_CLIENT payload.
type groundingSource struct {
	ChunkID string `json:"chunk_id"`
	Title   string `json:"title"`
	Chunk   string `json:"chunk"`
}

// NewReportGroundingTool wires the store into a middletier.Tool
// implementing "report_grounding", filtering sources through
// sourceIDPattern before they ever reach a query.
func NewReportGroundingTool(store *Store) middletier.Tool {
	return middletier.Tool{
		Schema: reportGroundingSchema,
		Target: func(ctx context.Context, args json.RawMessage) (*middletier.ToolResult, error) {
			var params struct {
				Sources []string `json:"sources"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return &middletier.ToolResult{
					Payload:     fmt.Sprintf("Error reporting grounding: %v", err),
					Destination: middletier.ToServer,
				}, nil
			}

			safe := make([]string, 0, len(params.Sources))
			for _, src := range params.Sources {
				if sourceIDPattern.MatchString(src) {
					safe = append(safe, src)
				}
			}

			docs, err := store.GetByIDs(ctx, safe)
			if err != nil {
				return &middletier.ToolResult{
					Payload:     fmt.Sprintf("Error reporting grounding: %v", err),
					Destination: middletier.ToServer,
				}, nil
			}

			sources := make([]groundingSource, 0, len(docs))
			for _, doc := range docs {
				title := doc.Title
				if title == "" {
					title = "Untitled"
				}
				sources = append(sources, groundingSource{
					ChunkID: doc.ID,
					Title:   title,
					Chunk:   doc.Content,
				})
			}

			return &middletier.ToolResult{
				Payload:     map[string]any{"sources": sources},
				Destination: middletier.ToClient,
			}, nil
		},
	}
}
