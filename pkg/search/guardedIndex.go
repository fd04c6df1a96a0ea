package search

import (
	"context"

	"github.com/zoff-tech/go-stock-outbox/pkg/breaker"
)

type guardedIndex struct {
	Index
	breakers *breaker.Registry
	name     string
}

// Guard routes every write and refresh through the named breaker. An open
// breaker fails the call with breaker.ErrOpen without touching the store.
func Guard(idx Index, breakers *breaker.Registry, name string) Index {
	return &guardedIndex{Index: idx, breakers: breakers, name: name}
}

func (g *guardedIndex) Upsert(ctx context.Context, doc Document) error {
	return breaker.Run(ctx, g.breakers, g.name, func(ctx context.Context) error {
		return g.Index.Upsert(ctx, doc)
	}, nil)
}

func (g *guardedIndex) Delete(ctx context.Context, id string) error {
	return breaker.Run(ctx, g.breakers, g.name, func(ctx context.Context) error {
		return g.Index.Delete(ctx, id)
	}, nil)
}

func (g *guardedIndex) Refresh(ctx context.Context) error {
	return breaker.Run(ctx, g.breakers, g.name, g.Index.Refresh, nil)
}
