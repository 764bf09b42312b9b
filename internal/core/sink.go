package core

import (
	"context"
	"errors"
)

// OutputSink receives block outputs downstream of the engine.
// Rollback removes everything at or above fromHeight and must be ordered
// with respect to Push.
type OutputSink interface {
	Push(ctx context.Context, out *BlockOutput) error
	Rollback(ctx context.Context, fromHeight uint64) error
}

// MultiSink fans out to every sink in order.
type MultiSink []OutputSink

func (m MultiSink) Push(ctx context.Context, out *BlockOutput) error {
	var errs []error
	for _, s := range m {
		if err := s.Push(ctx, out); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Rollback(ctx context.Context, fromHeight uint64) error {
	var errs []error
	for _, s := range m {
		if err := s.Rollback(ctx, fromHeight); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
