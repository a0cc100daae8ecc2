// Package httpapi exposes the operator REST surface: thin wrappers over the
// agent directory, the connection registry and the context store. No
// business logic lives here.
package httpapi

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mistakeknot/commune/internal/contextstore"
	"github.com/mistakeknot/commune/internal/directory"
	"github.com/mistakeknot/commune/internal/registry"
	"github.com/mistakeknot/commune/internal/storage"
)

// Writer serializes mutations. The persistence gateway satisfies it.
type Writer interface {
	Submit(ctx context.Context, label string, fn func(context.Context) error) error
}

type Service struct {
	store    storage.Store
	dir      *directory.Directory
	reg      *registry.Registry
	contexts *contextstore.Service
	writer   Writer
	log      zerolog.Logger
}

func NewService(store storage.Store, dir *directory.Directory, reg *registry.Registry, contexts *contextstore.Service, writer Writer, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		dir:      dir,
		reg:      reg,
		contexts: contexts,
		writer:   writer,
		log:      log,
	}
}
