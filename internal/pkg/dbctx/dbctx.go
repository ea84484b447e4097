package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request context with an optional GORM transaction.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// New returns a Context without a transaction.
func New(ctx context.Context) Context {
	return Context{Ctx: ctx}
}

// WithTx returns a copy of c bound to tx.
func (c Context) WithTx(tx *gorm.DB) Context {
	return Context{Ctx: c.Ctx, Tx: tx}
}

// InTx runs fn inside a transaction. An outer transaction is reused so nested
// service calls commit or roll back together.
func InTx(c Context, db *gorm.DB, fn func(Context) error) error {
	if c.Tx != nil {
		return fn(c)
	}
	return db.WithContext(c.Ctx).Transaction(func(tx *gorm.DB) error {
		return fn(c.WithTx(tx))
	})
}
