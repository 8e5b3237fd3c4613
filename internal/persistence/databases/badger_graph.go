package databases

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// BadgerGraph is a GraphDB backed by an embedded Badger KV store: nodes and
// edges are encoded as JSON values under "node:<id>" and
// "edge:<src>:<rel>:<dst>" keys, with prefix scans serving Neighbors.
type BadgerGraph struct {
	db *badger.DB
}

// NewBadgerGraph opens (or creates) a Badger database at dir.
func NewBadgerGraph(dir string) (*BadgerGraph, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger graph store: %w", err)
	}
	return &BadgerGraph{db: db}, nil
}

func (g *BadgerGraph) Close() error { return g.db.Close() }

func nodeKey(id string) []byte { return []byte("node:" + id) }

func badgerEdgeKey(src, rel, dst string) []byte {
	return []byte("edge:" + src + ":" + rel + ":" + dst)
}

func edgePrefix(src, rel string) []byte {
	return []byte("edge:" + src + ":" + rel + ":")
}

func (g *BadgerGraph) UpsertNode(_ context.Context, id string, labels []string, props map[string]any) error {
	n := Node{ID: id, Labels: append([]string{}, labels...), Props: props}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return g.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nodeKey(id), b)
	})
}

func (g *BadgerGraph) UpsertEdge(_ context.Context, srcID, rel, dstID string, props map[string]any) error {
	b, err := json.Marshal(props)
	if err != nil {
		return err
	}
	return g.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerEdgeKey(srcID, rel, dstID), b)
	})
}

func (g *BadgerGraph) Neighbors(_ context.Context, id string, rel string) ([]string, error) {
	var out []string
	prefix := edgePrefix(id, rel)
	err := g.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			dst := strings.TrimPrefix(key, string(prefix))
			out = append(out, dst)
		}
		return nil
	})
	return out, err
}

func (g *BadgerGraph) GetNode(_ context.Context, id string) (Node, bool) {
	var n Node
	found := false
	_ = g.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &n)
		})
	})
	return n, found
}
