package storage

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/mosaicdb/pkg/cache"
	"github.com/orneryd/mosaicdb/pkg/kv"
	"github.com/orneryd/mosaicdb/pkg/logging"
	"github.com/orneryd/mosaicdb/pkg/search"
)

// StaleReason says why a derived result (such as a PPR cache entry) became
// stale.
type StaleReason string

const (
	ReasonEntityUpdated StaleReason = "EntityUpdated"
	ReasonEdgeAdded     StaleReason = "EdgeAdded"
	ReasonEdgeRemoved   StaleReason = "EdgeRemoved"
	ReasonExpired       StaleReason = "Expired"
)

// MutationObserver is notified of graph mutations inside the write
// transaction that performs them. An error aborts that transaction.
//
// vault is the value of the entity's vaultId property, or "" when unknown.
type MutationObserver interface {
	EntityChanged(txn *kv.Txn, vault string, id ID, reason StaleReason) error
}

// Options configures the engine.
type Options struct {
	// Schema holds secondary indexes, unique edge labels and versions.
	// Defaults to an empty schema. Frozen by NewEngine.
	Schema *SchemaManager

	// BM25Enabled indexes string properties of nodes, edges and vectors.
	BM25Enabled bool

	// BM25Fields restricts full-text indexing to these property names.
	// Empty means every string property.
	BM25Fields []string

	// HNSW parameters.
	HNSW search.HNSWConfig

	// DecodeCacheSize bounds the decoded vector payload cache (0 disables).
	DecodeCacheSize int

	// DecodeCacheTTL expires cached payloads (0 = never).
	DecodeCacheTTL time.Duration

	// DecodeCacheDisabled starts the payload cache switched off.
	DecodeCacheDisabled bool

	// Logger defaults to logging.For("storage").
	Logger *logrus.Entry
}

// Engine is the storage core.
//
// Engine holds no transaction state: every operation takes the transaction to
// run in, and write operations require a write transaction. An operation that
// fails poisons the write transaction so that no partial state can commit.
//
// Thread Safety:
//
//	Engine is safe for concurrent use. Configuration (schema, observers) is
//	fixed before first use and read without locking afterwards.
type Engine struct {
	env       *kv.Env
	schema    *SchemaManager
	text      *search.BM25
	textOn    bool
	textField map[string]struct{}
	hnsw      *search.HNSW
	vectors   *cache.Cache[[]float32]
	observers []MutationObserver
	log       *logrus.Entry
}

// NewEngine creates the storage core over env and persists the schema
// versions.
func NewEngine(env *kv.Env, opts Options) (*Engine, error) {
	if opts.Schema == nil {
		opts.Schema = NewSchemaManager()
	}
	if opts.Logger == nil {
		opts.Logger = logging.For("storage")
	}
	opts.Schema.Freeze()

	e := &Engine{
		env:    env,
		schema: opts.Schema,
		text:   search.NewBM25(),
		textOn: opts.BM25Enabled,
		log:    opts.Logger,
	}
	if len(opts.BM25Fields) > 0 {
		e.textField = make(map[string]struct{}, len(opts.BM25Fields))
		for _, f := range opts.BM25Fields {
			e.textField[f] = struct{}{}
		}
	}
	if opts.DecodeCacheSize > 0 {
		e.vectors = cache.New[[]float32](opts.DecodeCacheSize, opts.DecodeCacheTTL)
	}
	e.hnsw = search.NewHNSW(opts.HNSW, vectorSource{e})
	if opts.DecodeCacheDisabled {
		e.SetDecodeCaching(false)
	}

	err := env.Update(func(txn *kv.Txn) error {
		for label, ls := range opts.Schema.versions {
			stored, err := StoredVersion(txn, label)
			if err != nil {
				return err
			}
			if stored > ls.latest {
				return fmt.Errorf("%w: %s stored at schema version %d, newer than %d",
					ErrInvalidInput, label, stored, ls.latest)
			}
		}
		return opts.Schema.Persist(txn)
	})
	if err != nil {
		return nil, fmt.Errorf("persisting schema: %w", err)
	}
	return e, nil
}

// AddObserver registers a mutation observer. Call before serving traffic.
func (e *Engine) AddObserver(o MutationObserver) {
	e.observers = append(e.observers, o)
}

// Env returns the underlying kv environment.
func (e *Engine) Env() *kv.Env {
	return e.env
}

// Schema returns the frozen schema.
func (e *Engine) Schema() *SchemaManager {
	return e.schema
}

// HNSW returns the vector index.
func (e *Engine) HNSW() *search.HNSW {
	return e.hnsw
}

// Text returns the full-text index.
func (e *Engine) Text() *search.BM25 {
	return e.text
}

// SetDecodeCaching switches the vector payload cache on or off. Switching it
// off drops every cached payload.
func (e *Engine) SetDecodeCaching(enabled bool) {
	if e.vectors != nil {
		e.vectors.SetEnabled(enabled)
	}
}

// DecodeCacheStats reports the vector payload cache.
func (e *Engine) DecodeCacheStats() cache.Stats {
	if e.vectors == nil {
		return cache.Stats{}
	}
	return e.vectors.Stats()
}

// View runs fn in a read transaction.
func (e *Engine) View(fn func(txn *kv.Txn) error) error {
	return e.env.View(fn)
}

// Update runs fn in a write transaction.
func (e *Engine) Update(fn func(txn *kv.Txn) error) error {
	return e.env.Update(fn)
}

func (e *Engine) notify(txn *kv.Txn, vault string, id ID, reason StaleReason) error {
	for _, o := range e.observers {
		if err := o.EntityChanged(txn, vault, id, reason); err != nil {
			return txn.Fail(fmt.Errorf("notifying %s of %s: %w", reason, id, err))
		}
	}
	return nil
}

func requireWrite(txn *kv.Txn) error {
	if !txn.Writable() {
		return fmt.Errorf("%w: write operation on a read transaction", ErrInvalidInput)
	}
	return nil
}

// fail poisons txn and wraps err with the operation name.
func fail(txn *kv.Txn, op string, err error) error {
	return txn.Fail(fmt.Errorf("%s: %w", op, err))
}

// vaultOf returns the vault an entity belongs to.
func vaultOf(props map[string]Value) string {
	if s, ok := props[VaultProperty].AsString(); ok {
		return s
	}
	return ""
}

// documentText joins the indexed string properties of an entity.
func (e *Engine) documentText(props map[string]Value) string {
	var sb strings.Builder
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if e.textField != nil {
			if _, ok := e.textField[k]; !ok {
				continue
			}
		}
		if s, ok := props[k].AsString(); ok {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(s)
		}
	}
	return sb.String()
}

func (e *Engine) indexText(txn *kv.Txn, id ID, kind search.DocKind, label string, props map[string]Value) error {
	if !e.textOn {
		return nil
	}
	return e.text.Index(txn, search.Document{ID: search.ID(id), Kind: kind, Label: label, Text: e.documentText(props)})
}

func (e *Engine) unindexText(txn *kv.Txn, id ID) error {
	if !e.textOn {
		return nil
	}
	return e.text.Remove(txn, search.ID(id))
}

// TextEnabled reports whether BM25 indexing is on.
func (e *Engine) TextEnabled() bool {
	return e.textOn
}
