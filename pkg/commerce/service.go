// Package commerce holds the write paths that produce outbox events: paying
// an order and maintaining the product catalogue.
package commerce

import (
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-stock-outbox/pkg/store"
)

type Service struct {
	db       *sql.DB
	outbox   store.EventAppender
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

func NewService(db *sql.DB, outbox store.EventAppender, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       db,
		outbox:   outbox,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}
