package domain

import "context"

// Transform rewrites rows between parse and load. Implementations must be
// total over their input and idempotent, since retried runs replay them.
type Transform interface {
	Name() string
	Apply(ctx context.Context, rows []Row) ([]Row, error)
}

// TransformFunc adapts a function into a named Transform.
type TransformFunc struct {
	Label string
	Fn    func(ctx context.Context, rows []Row) ([]Row, error)
}

// Name returns the transform label.
func (f TransformFunc) Name() string { return f.Label }

// Apply runs the wrapped function.
func (f TransformFunc) Apply(ctx context.Context, rows []Row) ([]Row, error) {
	if f.Fn == nil {
		return rows, nil
	}
	return f.Fn(ctx, rows)
}
