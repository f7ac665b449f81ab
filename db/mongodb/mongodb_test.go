package mongodb

import (
	"context"
	"os"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/uuid"
	"github.com/vocdoni/zkvote-node/db"
	"github.com/vocdoni/zkvote-node/db/internal/dbtest"
	"github.com/vocdoni/zkvote-node/db/prefixeddb"
)

func newDB(t *testing.T) *MongoDB {
	if os.Getenv("MONGODB_URL") == "" {
		t.Skip("MONGODB_URL is not set")
	}
	database, err := New(db.Options{Path: "test" + uuid.NewString()[:8]})
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(func() {
		_ = database.Drop(context.Background())
		_ = database.Close()
	})
	return database
}

func TestWriteTx(t *testing.T) {
	dbtest.TestWriteTx(t, newDB(t))
}

func TestIterate(t *testing.T) {
	dbtest.TestIterate(t, newDB(t))
}

func TestWriteTxApply(t *testing.T) {
	dbtest.TestWriteTxApply(t, newDB(t))
}

func TestWriteTxApplyPrefixed(t *testing.T) {
	database := newDB(t)
	dbtest.TestWriteTxApplyPrefixed(t, database, prefixeddb.NewPrefixedDatabase(database, []byte("one")))
}

func TestUpperBound(t *testing.T) {
	c := qt.New(t)
	c.Assert(upperBound([]byte{0x00, 0xff}), qt.DeepEquals, []byte{0x01})
	c.Assert(upperBound([]byte{0xff}), qt.IsNil)
}
