package pgutil

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// SchemaSQL renders the DDL for schema. The result is idempotent.
func SchemaSQL(schema string) (string, error) {
	s, err := NormalizeSchema(schema)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{s}.Sanitize()), nil
}

// ApplySchema creates the service tables in schema if they do not exist yet.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("pgutil: nil pool")
	}
	ddl, err := SchemaSQL(schema)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema %q: %w", schema, err)
	}
	return nil
}
