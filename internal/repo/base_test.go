package repo

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type widget struct {
	ID   string `gorm:"primaryKey"`
	Name string
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&widget{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return conn
}

func TestNewBaseStoresConnection(t *testing.T) {
	db := newTestDB(t)
	base := NewBase(db)

	if base.db != db {
		t.Fatalf("expected base db to match provided connection")
	}
}

func TestBaseDB_BindsContext(t *testing.T) {
	db := newTestDB(t)
	base := NewBase(db)

	ctx := context.WithValue(context.Background(), struct{}{}, "value")
	withCtx := base.DB(ctx)

	if withCtx == nil || withCtx.Statement == nil {
		t.Fatalf("expected statement created after WithContext")
	}
	if withCtx.Statement.Context != ctx {
		t.Fatalf("expected context to be bound to statement")
	}
}

func TestBindKeepsBaseWhenTxNil(t *testing.T) {
	db := newTestDB(t)
	base := NewBase(db)

	if got := base.Bind(nil); got.db != db {
		t.Fatalf("expected nil tx to keep original connection")
	}
}

func TestFirstOrNil(t *testing.T) {
	db := newTestDB(t)
	if err := db.Create(&widget{ID: "w1", Name: "one"}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	var found widget
	ok, err := FirstOrNil(ForUpdate(db.Where("id = ?", "w1")), &found)
	if err != nil || !ok {
		t.Fatalf("expected row, got ok=%v err=%v", ok, err)
	}
	if found.Name != "one" {
		t.Fatalf("unexpected row %+v", found)
	}

	var missing widget
	ok, err = FirstOrNil(db.Where("id = ?", "nope"), &missing)
	if err != nil || ok {
		t.Fatalf("expected no row and no error, got ok=%v err=%v", ok, err)
	}
}
