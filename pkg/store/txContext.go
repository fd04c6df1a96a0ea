package store

import (
	"context"
	"database/sql"
	"errors"

	"cloud.google.com/go/spanner"
)

// ErrNoActiveTransaction is returned when an outbox append happens outside
// the business transaction it is supposed to be part of.
var ErrNoActiveTransaction = errors.New("no active transaction")

type txKey struct{}

type spannerTxnKey struct{}

// WithTx binds tx to ctx for the outbox writer.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction bound by WithTx.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}

// WithSpannerTxn binds a read-write transaction to ctx.
func WithSpannerTxn(ctx context.Context, txn *spanner.ReadWriteTransaction) context.Context {
	return context.WithValue(ctx, spannerTxnKey{}, txn)
}

func spannerTxnFromContext(ctx context.Context) (*spanner.ReadWriteTransaction, bool) {
	txn, ok := ctx.Value(spannerTxnKey{}).(*spanner.ReadWriteTransaction)
	return txn, ok && txn != nil
}

// RunInTx opens a transaction, binds it to ctx and commits when fn succeeds.
func RunInTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(WithTx(ctx, tx), tx)
}

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conn returns the transaction bound to ctx, or db when there is none.
func Conn(ctx context.Context, db *sql.DB) DBTX {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return db
}
