// Package graphstore wraps the Neo4j policy graph (component D). It is
// the Go-native reimplementation of
// original_source/neo4j_graph_engine/db.py: the same database, rewritten
// against neo4j-go-driver's session API instead of the Python driver. It
// names no node labels itself; the labels come from the ontology stage's
// schema (the adjudicator queries ProductCategory).
package graphstore

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type Store struct {
	driver neo4j.DriverWithContext
}

func Open(ctx context.Context, uri, username, password string) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("graphstore: new driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("graphstore: verify connectivity: %w", err)
	}
	return &Store{driver: driver}, nil
}

func (s *Store) Close(ctx context.Context) error { return s.driver.Close(ctx) }

// Record is a generic row of named Cypher return values.
type Record map[string]interface{}

// Read runs a read-only Cypher query and returns every result row as a
// map keyed by the query's RETURN aliases.
func (s *Store) Read(ctx context.Context, cypher string, params map[string]interface{}) ([]Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("graphstore: run read query: %w", err)
	}
	var out []Record
	for result.Next(ctx) {
		rec := result.Record()
		row := make(Record, len(rec.Keys))
		for _, k := range rec.Keys {
			v, _ := rec.Get(k)
			row[k] = v
		}
		out = append(out, row)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("graphstore: iterate read results: %w", err)
	}
	return out, nil
}

// Write runs a write Cypher statement (used by the graph-builder stage,
// component V) inside an explicit transaction, so the statement commits
// all or nothing. Each call is its own transaction: the graph builder
// calls Write once per statement, and a failed statement does not undo
// the ones before it.
func (s *Store) Write(ctx context.Context, cypher string, params map[string]interface{}) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		_, err := tx.Run(ctx, cypher, params)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("graphstore: write: %w", err)
	}
	return nil
}

// WriteBatch runs a sequence of write statements in a single transaction,
// so either all of them commit or none do. Nothing in this repository
// calls it; graphbuilder applies statements one at a time through Write.
func (s *Store) WriteBatch(ctx context.Context, statements []CypherStatement) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		for _, stmt := range statements {
			if _, err := tx.Run(ctx, stmt.Cypher, stmt.Params); err != nil {
				return nil, fmt.Errorf("statement %q: %w", stmt.Cypher, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graphstore: write batch: %w", err)
	}
	return nil
}

type CypherStatement struct {
	Cypher string
	Params map[string]interface{}
}
