// Package metadb opens a db.Database by type name.
package metadb

import (
	"fmt"

	"github.com/vocdoni/zkvote-node/db"
	"github.com/vocdoni/zkvote-node/db/inmemory"
	"github.com/vocdoni/zkvote-node/db/mongodb"
	"github.com/vocdoni/zkvote-node/db/pebbledb"
)

// New opens a database of type typ. dir is the data directory for pebble and
// the database name for mongodb, which reads its server from $MONGODB_URL.
func New(typ, dir string) (db.Database, error) {
	opts := db.Options{Path: dir}
	switch typ {
	case db.TypePebble:
		return pebbledb.New(opts)
	case db.TypeInMem:
		return inmemory.New(opts)
	case db.TypeMongo:
		return mongodb.New(opts)
	default:
		return nil, fmt.Errorf("unknown database type %q", typ)
	}
}

// NewTest returns an in-memory database for tests.
func NewTest() db.Database {
	database, err := inmemory.New(db.Options{})
	if err != nil {
		panic(err)
	}
	return database
}
