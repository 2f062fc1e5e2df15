// Package testutil builds throwaway in-memory stores for package tests.
package testutil

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"roomchat/internal/db"
	"roomchat/internal/models"
	"roomchat/internal/store"

	"gorm.io/gorm"
)

var dbSeq atomic.Int64

// OpenDB returns a migrated sqlite database private to the test.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:roomchat_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	gdb, err := db.Connect(db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

// OpenStore is OpenDB wrapped in a Store.
func OpenStore(t testing.TB) *store.Store {
	t.Helper()
	return store.New(OpenDB(t))
}

// SeedUsers creates one user per username and returns their ids by name.
func SeedUsers(t testing.TB, st *store.Store, usernames ...string) map[string]uint {
	t.Helper()
	ids := make(map[string]uint, len(usernames))
	for _, name := range usernames {
		u := models.User{Username: name, PasswordHash: "x"}
		if err := st.CreateUser(context.Background(), &u); err != nil {
			t.Fatalf("seed user %s: %v", name, err)
		}
		ids[name] = u.ID
	}
	return ids
}

// Clock is a manual clock. Every call to Now advances it by Step so that
// consecutive operations get strictly increasing timestamps.
type Clock struct {
	t    atomic.Int64
	Step time.Duration
}

func NewClock(start time.Time) *Clock {
	c := &Clock{Step: time.Second}
	c.t.Store(start.UnixNano())
	return c
}

func (c *Clock) Now() time.Time {
	return time.Unix(0, c.t.Add(int64(c.Step))).UTC()
}

// Advance moves the clock forward without returning a reading.
func (c *Clock) Advance(d time.Duration) {
	c.t.Add(int64(d))
}
