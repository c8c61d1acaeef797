package securestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/TheMichaelB/walletguard/internal/models"
)

type snapshot struct {
	key       string
	value     string
	found     bool
	sensitive bool
}

// Apply runs ops as one logical transaction. Stores implementing Batcher
// apply them natively. Otherwise ops run in order and, on the first
// failure, the keys already touched are restored to their prior values.
func Apply(ctx context.Context, s Store, ops ...Op) error {
	if len(ops) == 0 {
		return nil
	}
	if b, ok := s.(Batcher); ok {
		return b.Apply(ctx, ops)
	}

	applied := make([]snapshot, 0, len(ops))
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return errors.Join(err, rollback(s, applied))
		}

		prev, found, err := ReadOptional(ctx, s, op.Key)
		if err != nil {
			return errors.Join(models.WrapStorage("batch read", op.Key, err), rollback(s, applied))
		}

		switch op.Kind {
		case OpWrite:
			err = s.Write(ctx, op.Key, op.Value, op.Sensitive)
		case OpDelete:
			err = s.Delete(ctx, op.Key)
		default:
			err = fmt.Errorf("unknown op kind %d", op.Kind)
		}
		if err != nil {
			return errors.Join(models.WrapStorage("batch "+op.String(), op.Key, err), rollback(s, applied))
		}

		applied = append(applied, snapshot{
			key:       op.Key,
			value:     prev,
			found:     found,
			sensitive: op.Sensitive || IsSensitiveKey(op.Key),
		})
	}

	return nil
}

// rollback restores snapshots in reverse order. It runs on a fresh context
// so a cancelled caller still gets its prior state back.
func rollback(s Store, applied []snapshot) error {
	ctx := context.Background()

	var errs []error
	for i := len(applied) - 1; i >= 0; i-- {
		snap := applied[i]
		var err error
		if snap.found {
			err = s.Write(ctx, snap.key, snap.value, snap.sensitive)
		} else {
			err = s.Delete(ctx, snap.key)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("rollback %s: %w", snap.key, err))
		}
	}
	return errors.Join(errs...)
}
