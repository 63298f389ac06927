// Package dbtest provides reusable test suites run against every db.Database
// backend.
package dbtest

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/aionpay/relayer/db"
)

// TestWriteTx exercises the basic Set/Get/Delete/Commit/Discard semantics of
// a write transaction.
func TestWriteTx(t *testing.T, database db.Database) {
	c := qt.New(t)

	wTx := database.WriteTx()
	defer wTx.Discard()

	_, err := wTx.Get([]byte("a"))
	c.Assert(err, qt.Equals, db.ErrKeyNotFound)

	c.Assert(wTx.Set([]byte("a"), []byte("b")), qt.IsNil)

	v, err := wTx.Get([]byte("a"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("b"))

	// Not visible outside the tx until commit.
	_, err = database.Get([]byte("a"))
	c.Assert(err, qt.Equals, db.ErrKeyNotFound)

	c.Assert(wTx.Commit(), qt.IsNil)

	v, err = database.Get([]byte("a"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("b"))

	// Delete in a new tx.
	wTx2 := database.WriteTx()
	defer wTx2.Discard()
	c.Assert(wTx2.Delete([]byte("a")), qt.IsNil)
	_, err = wTx2.Get([]byte("a"))
	c.Assert(err, qt.Equals, db.ErrKeyNotFound)
	c.Assert(wTx2.Commit(), qt.IsNil)

	_, err = database.Get([]byte("a"))
	c.Assert(err, qt.Equals, db.ErrKeyNotFound)

	// A discarded tx leaves no trace.
	wTx3 := database.WriteTx()
	c.Assert(wTx3.Set([]byte("x"), []byte("y")), qt.IsNil)
	wTx3.Discard()
	_, err = database.Get([]byte("x"))
	c.Assert(err, qt.Equals, db.ErrKeyNotFound)
}

// TestIterate verifies prefix iteration order and early termination.
func TestIterate(t *testing.T, database db.Database) {
	c := qt.New(t)

	wTx := database.WriteTx()
	defer wTx.Discard()
	for _, kv := range [][2]string{
		{"p/1", "one"},
		{"p/2", "two"},
		{"p/3", "three"},
		{"q/1", "other"},
	} {
		c.Assert(wTx.Set([]byte(kv[0]), []byte(kv[1])), qt.IsNil)
	}
	c.Assert(wTx.Commit(), qt.IsNil)

	var keys []string
	err := database.Iterate([]byte("p/"), func(k, v []byte) bool {
		keys = append(keys, string(k))
		return true
	})
	c.Assert(err, qt.IsNil)
	c.Assert(keys, qt.DeepEquals, []string{"p/1", "p/2", "p/3"})

	// Early stop.
	count := 0
	err = database.Iterate([]byte("p/"), func(k, v []byte) bool {
		count++
		return false
	})
	c.Assert(err, qt.IsNil)
	c.Assert(count, qt.Equals, 1)
}

// TestWriteTxApply checks that pending writes of one transaction can be
// folded into another.
func TestWriteTxApply(t *testing.T, database db.Database) {
	c := qt.New(t)

	src := database.WriteTx()
	defer src.Discard()
	c.Assert(src.Set([]byte("a"), []byte("1")), qt.IsNil)
	c.Assert(src.Set([]byte("b"), []byte("2")), qt.IsNil)

	dst := database.WriteTx()
	defer dst.Discard()
	c.Assert(dst.Apply(src), qt.IsNil)
	c.Assert(dst.Commit(), qt.IsNil)

	v, err := database.Get([]byte("a"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("1"))
	v, err = database.Get([]byte("b"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("2"))
}

// TestWriteTxApplyPrefixed checks Apply across a prefixed view of the same
// database.
func TestWriteTxApplyPrefixed(t *testing.T, database, prefixed db.Database) {
	c := qt.New(t)

	src := prefixed.WriteTx()
	defer src.Discard()
	c.Assert(src.Set([]byte("key"), []byte("value")), qt.IsNil)

	dst := prefixed.WriteTx()
	defer dst.Discard()
	c.Assert(dst.Apply(src), qt.IsNil)
	c.Assert(dst.Commit(), qt.IsNil)

	v, err := prefixed.Get([]byte("key"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("value"))

	// The bare key must not exist outside the prefixed view.
	_, err = database.Get([]byte("key"))
	c.Assert(err, qt.Equals, db.ErrKeyNotFound)
}
