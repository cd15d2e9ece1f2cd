package query

import "errors"

var (
	// ErrInvalidWindow reports a window configuration that cannot be
	// rendered, e.g. a slide interval larger than the window size.
	ErrInvalidWindow = errors.New("invalid window configuration")

	// ErrUnsafeIdentifier reports a table, column or group-by name that
	// failed the identifier allow-list.
	ErrUnsafeIdentifier = errors.New("unsafe SQL identifier")

	// ErrUnsafeExpression reports a custom aggregate expression that
	// contains characters or keywords outside the allow-list.
	ErrUnsafeExpression = errors.New("unsafe aggregate expression")

	// ErrUnsupportedOperator reports a filter operator outside the
	// supported set.
	ErrUnsupportedOperator = errors.New("unsupported filter operator")
)
