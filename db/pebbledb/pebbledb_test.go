package pebbledb

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/zkvote-node/db"
	"github.com/vocdoni/zkvote-node/db/internal/dbtest"
	"github.com/vocdoni/zkvote-node/db/prefixeddb"
)

func newDB(t *testing.T) *PebbleDB {
	database, err := New(db.Options{Path: t.TempDir()})
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(func() { _ = database.Close() })
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

func TestReopen(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	database, err := New(db.Options{Path: dir})
	c.Assert(err, qt.IsNil)
	tx := database.WriteTx()
	c.Assert(tx.Set([]byte("k"), []byte("v")), qt.IsNil)
	c.Assert(tx.Commit(), qt.IsNil)
	tx.Discard()
	c.Assert(database.Compact(), qt.IsNil)
	c.Assert(database.Close(), qt.IsNil)

	database, err = New(db.Options{Path: dir})
	c.Assert(err, qt.IsNil)
	defer func() { _ = database.Close() }()
	v, err := database.Get([]byte("k"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(v), qt.Equals, "v")
}

func TestKeyUpperBound(t *testing.T) {
	c := qt.New(t)
	c.Assert(keyUpperBound([]byte("ab")), qt.DeepEquals, []byte("ac"))
	c.Assert(keyUpperBound([]byte{0x01, 0xff}), qt.DeepEquals, []byte{0x02})
	c.Assert(keyUpperBound([]byte{0xff, 0xff}), qt.IsNil)
	c.Assert(keyUpperBound(nil), qt.IsNil)
}
