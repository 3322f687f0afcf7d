package gormstore

import (
	"context"
	"regexp"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wilhg/rewind/pkg/store"
	"github.com/wilhg/rewind/pkg/store/storetest"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_]`)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	name := unsafeName.ReplaceAllString(t.Name(), "_")
	st, err := Open("sqlite:file:"+name+"?mode=memory&cache=shared&_pragma=foreign_keys(1)",
		WithLogger(logger.Default.LogMode(logger.Silent)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteBackendContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend { return openSQLite(t) })
}

func TestBatchedInsertKeepsOrder(t *testing.T) {
	st := openSQLite(t)
	st.batch = 4
	ctx := context.Background()
	s, frames := storetest.SampleSession("batched", time.Now(), 19)
	id, err := st.Save(ctx, s, frames)
	if err != nil {
		t.Fatal(err)
	}
	_, got, err := st.Load(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(frames) {
		t.Fatalf("len=%d want %d", len(got), len(frames))
	}
	for i := range frames {
		storetest.AssertFrameEqual(t, frames[i], got[i])
	}
}

func TestGetDialector(t *testing.T) {
	if _, lite := getDialector("sqlite:file:x?mode=memory"); !lite {
		t.Fatal("sqlite prefix not detected")
	}
	if _, lite := getDialector("postgres://u:p@localhost/db"); lite {
		t.Fatal("postgres url treated as sqlite")
	}
}

func TestLoadQueriesRunInTransaction(t *testing.T) {
	st := openSQLite(t)
	ctx := context.Background()
	s, frames := storetest.SampleSession("tx", time.Now(), 3)
	id, err := st.Save(ctx, s, frames)
	if err != nil {
		t.Fatal(err)
	}

	var queries, inTx int
	err = st.db.Callback().Query().Before("gorm:query").Register("rewind:tx_check", func(db *gorm.DB) {
		queries++
		if _, ok := db.Statement.ConnPool.(gorm.TxCommitter); ok {
			inTx++
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := st.Load(ctx, id); err != nil {
		t.Fatal(err)
	}
	if queries != 2 || inTx != 2 {
		t.Fatalf("queries=%d in transaction=%d, want 2 and 2", queries, inTx)
	}
}
