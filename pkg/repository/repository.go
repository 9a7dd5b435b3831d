// Package repository provides a small generic gorm-backed store.
package repository

import (
	"context"

	"gorm.io/gorm"
)

// QueryOption customizes a query statement before execution.
type QueryOption func(*gorm.DB) *gorm.DB

// WithLimit caps the number of rows returned.
func WithLimit(limit int) QueryOption {
	return func(stmt *gorm.DB) *gorm.DB {
		if limit > 0 {
			return stmt.Limit(limit)
		}
		return stmt
	}
}

// WithOrder applies an ORDER BY clause.
func WithOrder(order string) QueryOption {
	return func(stmt *gorm.DB) *gorm.DB {
		return stmt.Order(order)
	}
}

// Repository is the common persistence contract shared by domain stores.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	BatchCreate(ctx context.Context, resources []*T) error
	Count(ctx context.Context, query *T) (int64, error)
}

type store[T any] struct {
	db *gorm.DB
}

func ProvideStore[T any](db *gorm.DB) Repository[T] {
	return &store[T]{db: db}
}

func (r *store[T]) WithTrx(tx *gorm.DB) Repository[T] {
	return &store[T]{db: tx}
}

func (r *store[T]) Find(ctx context.Context, query *T, opts ...QueryOption) ([]*T, error) {
	var result []*T
	err := r.buildQuery(ctx, query, opts...).Find(&result).Error
	return result, err
}

func (r *store[T]) FindOne(ctx context.Context, query *T, opts ...QueryOption) (*T, error) {
	var result T
	err := r.buildQuery(ctx, query, opts...).First(&result).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

func (r *store[T]) Create(ctx context.Context, resource *T) error {
	return r.db.WithContext(ctx).Create(resource).Error
}

func (r *store[T]) BatchCreate(ctx context.Context, resources []*T) error {
	if len(resources) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(resources).Error
}

func (r *store[T]) Count(ctx context.Context, query *T) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(query).Where(query).Count(&count).Error
	return count, err
}

func (r *store[T]) buildQuery(ctx context.Context, query *T, opts ...QueryOption) *gorm.DB {
	stmt := r.db.WithContext(ctx).Where(query)
	for _, opt := range opts {
		stmt = opt(stmt)
	}
	return stmt
}
