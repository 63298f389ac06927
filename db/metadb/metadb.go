// Package metadb selects and opens a db.Database backend by type name.
package metadb

import (
	"fmt"

	"github.com/aionpay/relayer/db"
	"github.com/aionpay/relayer/db/inmemory"
	"github.com/aionpay/relayer/db/mongodb"
	"github.com/aionpay/relayer/db/pebbledb"
)

// New opens the database backend identified by typ with the given options.
func New(typ string, opts db.Options) (db.Database, error) {
	switch typ {
	case db.TypePebble:
		return pebbledb.New(opts)
	case db.TypeMongo:
		return mongodb.New(opts)
	case db.TypeInMemory:
		return inmemory.New(opts)
	default:
		return nil, fmt.Errorf("unknown database type %q", typ)
	}
}
