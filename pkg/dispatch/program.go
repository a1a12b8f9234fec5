// Package dispatch runs loaded query programs against the storage engine.
//
// Requests are routed by name to a handler and classified read or write.
// Reads run on a pool of reader goroutines, each under its own read
// transaction. Writes all run on one writer goroutine, so at most one write
// transaction is ever open.
//
// A handler that must wait on I/O returns an IoNeeded error. The pool runs
// the fetch with no transaction open and resumes the request with the
// returned continuation under a fresh transaction: reads on any reader,
// writes on the writer, which finishes one request's continuations before
// it takes the next write.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/orneryd/mosaicdb/pkg/kv"
	"github.com/orneryd/mosaicdb/pkg/pool"
	"github.com/orneryd/mosaicdb/pkg/storage"
	"github.com/orneryd/mosaicdb/pkg/traversal"
)

// Input is what a handler runs with.
type Input struct {
	Ctx    context.Context
	Name   string
	Body   []byte
	Engine *storage.Engine
	Txn    *kv.Txn
	Arena  *pool.Arena

	// G starts traversals over Txn.
	G *traversal.G

	// Services holds backend references for MCP handlers.
	Services any
}

// Decode unmarshals the JSON request body into v.
func (in *Input) Decode(v any) error {
	if len(in.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(in.Body, v); err != nil {
		return fmt.Errorf("%w: request body: %v", storage.ErrInvalidInput, err)
	}
	return nil
}

// Handler runs one request. It may return IoNeeded instead of a result.
type Handler func(in *Input) ([]byte, error)

// Program is a loaded set of handlers.
type Program struct {
	Handlers map[string]Handler

	// Writes names the handlers that mutate. They run on the writer.
	Writes map[string]bool

	// MCP handlers are reachable only with KindMCP requests.
	MCP map[string]Handler
}

func (p *Program) lookup(req Request, mcpEnabled bool) (Handler, bool, error) {
	table := p.Handlers
	if req.Kind == KindMCP {
		if !mcpEnabled {
			return nil, false, &Error{Code: CodeGraphError, Message: "mcp handlers are disabled"}
		}
		table = p.MCP
	}
	h, ok := table[req.Name]
	if !ok {
		return nil, false, &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s handler %q not found", req.Kind, req.Name)}
	}
	return h, p.Writes[req.Name], nil
}
