// Package dbtest holds the conformance tests run against every db.Database
// implementation.
package dbtest

import (
	"errors"
	"fmt"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/zkvote-node/db"
)

func TestWriteTx(t *testing.T, database db.Database) {
	c := qt.New(t)

	_, err := database.Get([]byte("a"))
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)

	tx := database.WriteTx()
	c.Assert(tx.Set([]byte("a"), []byte("va")), qt.IsNil)
	v, err := tx.Get([]byte("a"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("va"))

	// pending writes are not visible outside the transaction
	_, err = database.Get([]byte("a"))
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)

	c.Assert(tx.Commit(), qt.IsNil)
	tx.Discard()
	v, err = database.Get([]byte("a"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("va"))

	tx = database.WriteTx()
	c.Assert(tx.Delete([]byte("a")), qt.IsNil)
	_, err = tx.Get([]byte("a"))
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)
	tx.Discard()
	_, err = database.Get([]byte("a"))
	c.Assert(err, qt.IsNil)

	tx = database.WriteTx()
	c.Assert(tx.Delete([]byte("a")), qt.IsNil)
	c.Assert(tx.Commit(), qt.IsNil)
	tx.Discard()
	_, err = database.Get([]byte("a"))
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)
}

func TestIterate(t *testing.T, database db.Database) {
	c := qt.New(t)

	tx := database.WriteTx()
	for i := range 10 {
		c.Assert(tx.Set(fmt.Appendf(nil, "p/%02d", i), fmt.Appendf(nil, "v%d", i)), qt.IsNil)
	}
	c.Assert(tx.Set([]byte("q/00"), []byte("other")), qt.IsNil)
	c.Assert(tx.Commit(), qt.IsNil)
	tx.Discard()

	var keys []string
	c.Assert(database.Iterate([]byte("p/"), func(k, v []byte) bool {
		keys = append(keys, string(k))
		return true
	}), qt.IsNil)
	c.Assert(keys, qt.HasLen, 10)
	c.Assert(keys[0], qt.Equals, "00")
	c.Assert(keys[9], qt.Equals, "09")

	// early stop
	n := 0
	c.Assert(database.Iterate([]byte("p/"), func(_, _ []byte) bool {
		n++
		return n < 3
	}), qt.IsNil)
	c.Assert(n, qt.Equals, 3)

	// transactions iterate over their own writes
	tx = database.WriteTx()
	c.Assert(tx.Set([]byte("p/10"), []byte("v10")), qt.IsNil)
	c.Assert(tx.Delete([]byte("p/00")), qt.IsNil)
	keys = keys[:0]
	c.Assert(tx.Iterate([]byte("p/"), func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	}), qt.IsNil)
	c.Assert(keys, qt.HasLen, 10)
	c.Assert(keys[0], qt.Equals, "01")
	c.Assert(keys[9], qt.Equals, "10")
	tx.Discard()
}

func TestWriteTxApply(t *testing.T, database db.Database) {
	c := qt.New(t)

	tx1 := database.WriteTx()
	c.Assert(tx1.Set([]byte("k1"), []byte("v1")), qt.IsNil)
	tx2 := database.WriteTx()
	c.Assert(tx2.Set([]byte("k2"), []byte("v2")), qt.IsNil)

	c.Assert(tx1.Apply(tx2), qt.IsNil)
	c.Assert(tx1.Commit(), qt.IsNil)
	tx1.Discard()
	tx2.Discard()

	v, err := database.Get([]byte("k2"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("v2"))
}

func TestWriteTxApplyPrefixed(t *testing.T, database, prefixed db.Database) {
	c := qt.New(t)

	tx := database.WriteTx()
	c.Assert(tx.Set([]byte("plain"), []byte("v")), qt.IsNil)
	ptx := prefixed.WriteTx()
	c.Assert(ptx.Set([]byte("scoped"), []byte("w")), qt.IsNil)

	c.Assert(tx.Apply(ptx), qt.IsNil)
	c.Assert(tx.Commit(), qt.IsNil)
	tx.Discard()
	ptx.Discard()

	v, err := prefixed.Get([]byte("scoped"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("w"))
	_, err = prefixed.Get([]byte("plain"))
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)
	_, err = database.Get([]byte("scoped"))
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)
}

// TestConcurrentWriteTx checks that the second of two transactions touching
// the same key fails to commit. Only backends with conflict detection pass it.
func TestConcurrentWriteTx(t *testing.T, database db.Database) {
	c := qt.New(t)

	tx1 := database.WriteTx()
	tx2 := database.WriteTx()
	_, err := tx1.Get([]byte("counter"))
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)
	_, err = tx2.Get([]byte("counter"))
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)

	c.Assert(tx1.Set([]byte("counter"), []byte{1}), qt.IsNil)
	c.Assert(tx2.Set([]byte("counter"), []byte{2}), qt.IsNil)
	c.Assert(tx1.Commit(), qt.IsNil)
	c.Assert(errors.Is(tx2.Commit(), db.ErrConflict), qt.IsTrue)

	v, err := database.Get([]byte("counter"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte{1})
}
