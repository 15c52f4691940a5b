// Package pg wires PostgreSQL through pgx/v5: pooled connections with retry,
// goose migrations from an embedded filesystem, a health probe, and
// serializable transactions that retry on serialization failures.
package pg
