// Package pgstore provides a PostgreSQL implementation of profile.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/switchboard/internal/postgres"
	"github.com/linnemanlabs/switchboard/internal/ticket"
)

var tracer = otel.Tracer("github.com/linnemanlabs/switchboard/internal/profile/pgstore")

//go:embed schema.sql
var schema string

// Store reads customer profiles from the customers table.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL, applies the schema, and returns a ready Store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(postgres.WithOperation(ctx, "schema"), schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Get returns the attributes for customerID with customer_id merged in.
func (s *Store) Get(ctx context.Context, customerID string) (ticket.Profile, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var raw []byte
	err := s.pool.QueryRow(postgres.WithOperation(ctx, "profile.get"),
		`SELECT attributes FROM customers WHERE customer_id = $1`, customerID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("select customer: %w", err)
	}

	p := ticket.Profile{}
	if err := json.Unmarshal(raw, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("decode attributes: %w", err)
	}
	p["customer_id"] = customerID
	return p, true, nil
}

// Put upserts the attributes for customerID. A customer_id key in p is not stored.
func (s *Store) Put(ctx context.Context, customerID string, p ticket.Profile) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	attrs := make(ticket.Profile, len(p))
	for k, v := range p {
		if k != "customer_id" {
			attrs[k] = v
		}
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	_, err = s.pool.Exec(postgres.WithOperation(ctx, "profile.put"),
		`INSERT INTO customers (customer_id, attributes, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (customer_id) DO UPDATE SET
			attributes = EXCLUDED.attributes,
			updated_at = EXCLUDED.updated_at`,
		customerID, b,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert customer: %w", err)
	}
	return nil
}
