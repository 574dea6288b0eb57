package internal

import (
	"context"
	"io"
)

// Repository is a destination for archived report artifacts.
type Repository interface {
	Write(ctx context.Context, key string, reader io.Reader) error
}
