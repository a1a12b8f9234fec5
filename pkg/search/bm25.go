// Package search provides the persistent full-text (BM25) and vector (HNSW)
// indexes of MosaicDB.
//
// Both indexes live entirely in kv tables and are updated inside the caller's
// write transaction, so an index change commits or aborts together with the
// entity change that caused it.
package search

import (
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/orneryd/mosaicdb/pkg/kv"
)

// ID is the 128-bit id of an indexed entity.
type ID [16]byte

// Compare orders ids bytewise.
func (id ID) Compare(other ID) int {
	for i := range id {
		if id[i] != other[i] {
			if id[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// BM25 tables.
const (
	PostingsTable = kv.Table("bm25_postings")
	DocStatsTable = kv.Table("bm25_docstats")
	AggTable      = kv.Table("bm25_agg")
)

var aggKey = []byte("stats")

// BM25 parameters
const (
	bm25K1 = 1.2  // Term frequency saturation
	bm25B  = 0.75 // Length normalization
)

// DocKind tells which entity table an indexed document belongs to.
type DocKind uint8

const (
	DocNode DocKind = iota + 1
	DocEdge
	DocVector
)

// Document is the text of one entity to index.
type Document struct {
	ID    ID
	Kind  DocKind
	Label string
	Text  string
}

// TextHit is one BM25 search result.
type TextHit struct {
	ID    ID
	Kind  DocKind
	Label string
	Score float64
}

// ErrCorruptIndex is returned when an index record cannot be decoded.
var ErrCorruptIndex = errors.New("search: corrupt index record")

// BM25 is the persistent Okapi BM25 index.
//
// Layout:
//   - bm25_postings: term + 0x00 + docID -> u32 term frequency
//   - bm25_docstats: docID -> kind, label, length, per-term frequencies
//   - bm25_agg: "stats" -> total documents, total length
//
// BM25 holds no state of its own and is safe for concurrent use; all
// consistency comes from the transaction passed to each call.
type BM25 struct {
	K1 float64
	B  float64
}

// NewBM25 returns an index with k1=1.2 and b=0.75.
func NewBM25() *BM25 {
	return &BM25{K1: bm25K1, B: bm25B}
}

// Tokenize lowercases text and splits it on every non-alphanumeric rune.
// Empty tokens are dropped.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

type docStats struct {
	kind   DocKind
	label  string
	length uint32
	terms  map[string]uint32
}

// Index adds or replaces the document. Must run in a write transaction.
func (x *BM25) Index(txn *kv.Txn, doc Document) error {
	if err := x.Remove(txn, doc.ID); err != nil {
		return err
	}
	tokens := Tokenize(doc.Text)
	if len(tokens) == 0 {
		return nil
	}

	stats := docStats{kind: doc.Kind, label: doc.Label, length: uint32(len(tokens)), terms: make(map[string]uint32)}
	for _, tok := range tokens {
		stats.terms[tok]++
	}
	for term, tf := range stats.terms {
		if err := txn.Put(PostingsTable, postingKey(term, doc.ID), binary.LittleEndian.AppendUint32(nil, tf)); err != nil {
			return err
		}
	}
	if err := txn.Put(DocStatsTable, doc.ID[:], encodeDocStats(stats)); err != nil {
		return err
	}

	docs, total, err := x.Stats(txn)
	if err != nil {
		return txn.Fail(err)
	}
	return x.putStats(txn, docs+1, total+uint64(stats.length))
}

// Remove deletes the document and subtracts it from the aggregate
// statistics. Removing an unindexed document is a no-op.
func (x *BM25) Remove(txn *kv.Txn, id ID) error {
	raw, err := txn.Get(DocStatsTable, id[:])
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return txn.Fail(err)
	}
	stats, err := decodeDocStats(raw)
	if err != nil {
		return txn.Fail(err)
	}
	for term := range stats.terms {
		if err := txn.Delete(PostingsTable, postingKey(term, id)); err != nil {
			return err
		}
	}
	if err := txn.Delete(DocStatsTable, id[:]); err != nil {
		return err
	}

	docs, total, err := x.Stats(txn)
	if err != nil {
		return txn.Fail(err)
	}
	if docs > 0 {
		docs--
	}
	total -= min(total, uint64(stats.length))
	return x.putStats(txn, docs, total)
}

// Stats returns the total number of documents and their summed length.
func (x *BM25) Stats(txn *kv.Txn) (docs, totalLen uint64, err error) {
	raw, err := txn.Get(AggTable, aggKey)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	if len(raw) != 16 {
		return 0, 0, fmt.Errorf("%w: aggregate stats", ErrCorruptIndex)
	}
	return binary.LittleEndian.Uint64(raw), binary.LittleEndian.Uint64(raw[8:]), nil
}

// Search scores every document of the given label (all labels when label is
// empty) against query and returns the top k in descending score, ties broken
// by ascending id. k <= 0 returns every match.
func (x *BM25) Search(txn *kv.Txn, label, query string, k int) ([]TextHit, error) {
	docs, totalLen, err := x.Stats(txn)
	if err != nil || docs == 0 {
		return nil, err
	}
	avgLen := float64(totalLen) / float64(docs)

	seen := make(map[string]struct{})
	scores := make(map[ID]float64)
	meta := make(map[ID]*docStats)

	for _, term := range Tokenize(query) {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}

		type posting struct {
			id ID
			tf uint32
		}
		var postings []posting
		prefix := append([]byte(term), 0)
		for e, err := range txn.Scan(PostingsTable, prefix, kv.ScanOptions{}) {
			if err != nil {
				return nil, err
			}
			if len(e.Key) != len(prefix)+16 || len(e.Value) != 4 {
				return nil, fmt.Errorf("%w: posting for %q", ErrCorruptIndex, term)
			}
			var id ID
			copy(id[:], e.Key[len(prefix):])
			postings = append(postings, posting{id: id, tf: binary.LittleEndian.Uint32(e.Value)})
		}
		if len(postings) == 0 {
			continue
		}

		df := float64(len(postings))
		idf := math.Log(1 + (float64(docs)-df+0.5)/(df+0.5))

		for _, p := range postings {
			st, ok := meta[p.id]
			if !ok {
				raw, err := txn.Get(DocStatsTable, p.id[:])
				if err != nil {
					return nil, fmt.Errorf("loading doc stats: %w", err)
				}
				if st, err = decodeDocStats(raw); err != nil {
					return nil, err
				}
				meta[p.id] = st
			}
			if label != "" && st.label != label {
				continue
			}
			tf := float64(p.tf)
			norm := 1 - x.B + x.B*float64(st.length)/avgLen
			scores[p.id] += idf * (tf * (x.K1 + 1)) / (tf + x.K1*norm)
		}
	}

	h := &textHeap{}
	for id, score := range scores {
		st := meta[id]
		hit := TextHit{ID: id, Kind: st.kind, Label: st.label, Score: score}
		if k <= 0 || h.Len() < k {
			heap.Push(h, hit)
		} else if textLess(h.items[0], hit) {
			h.items[0] = hit
			heap.Fix(h, 0)
		}
	}
	out := make([]TextHit, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(TextHit)
	}
	return out, nil
}

func (x *BM25) putStats(txn *kv.Txn, docs, totalLen uint64) error {
	buf := binary.LittleEndian.AppendUint64(make([]byte, 0, 16), docs)
	buf = binary.LittleEndian.AppendUint64(buf, totalLen)
	return txn.Put(AggTable, aggKey, buf)
}

func postingKey(term string, id ID) []byte {
	key := make([]byte, 0, len(term)+1+16)
	key = append(key, term...)
	key = append(key, 0)
	return append(key, id[:]...)
}

func encodeDocStats(st docStats) []byte {
	buf := []byte{byte(st.kind)}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(st.label)))
	buf = append(buf, st.label...)
	buf = binary.LittleEndian.AppendUint32(buf, st.length)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(st.terms)))
	for term, tf := range st.terms {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(term)))
		buf = append(buf, term...)
		buf = binary.LittleEndian.AppendUint32(buf, tf)
	}
	return buf
}

func decodeDocStats(b []byte) (*docStats, error) {
	bad := fmt.Errorf("%w: doc stats", ErrCorruptIndex)
	if len(b) < 9 {
		return nil, bad
	}
	st := &docStats{kind: DocKind(b[0])}
	n := binary.LittleEndian.Uint64(b[1:])
	b = b[9:]
	if uint64(len(b)) < n+8 {
		return nil, bad
	}
	st.label = string(b[:n])
	b = b[n:]
	st.length = binary.LittleEndian.Uint32(b)
	count := binary.LittleEndian.Uint32(b[4:])
	b = b[8:]
	st.terms = make(map[string]uint32, count)
	for range count {
		if len(b) < 8 {
			return nil, bad
		}
		tl := binary.LittleEndian.Uint64(b)
		b = b[8:]
		if uint64(len(b)) < tl+4 {
			return nil, bad
		}
		st.terms[string(b[:tl])] = binary.LittleEndian.Uint32(b[tl:])
		b = b[tl+4:]
	}
	return st, nil
}

// textLess orders hits worst-first: lower score, then higher id.
func textLess(a, b TextHit) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.ID.Compare(b.ID) > 0
}

// textHeap is a min-heap of the current best hits, worst on top.
type textHeap struct {
	items []TextHit
}

func (h *textHeap) Len() int           { return len(h.items) }
func (h *textHeap) Less(i, j int) bool { return textLess(h.items[i], h.items[j]) }
func (h *textHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *textHeap) Push(x any)         { h.items = append(h.items, x.(TextHit)) }
func (h *textHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
