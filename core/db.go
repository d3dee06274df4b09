package core

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the slice of pgxpool.Pool the engine depends on. The engine never
// multiplexes commands on one connection and never pools on its own; it
// delegates both to the driver.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

var _ DB = (*pgxpool.Pool)(nil)

// textResults forces text-format result values so row values can be fed
// straight into the pgjson converter.
var textResults = pgx.QueryResultFormats{pgx.TextFormatCode}
