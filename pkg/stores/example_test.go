package stores_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/keelhq/keel/pkg/engine"
	"github.com/keelhq/keel/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	dir, err := os.MkdirTemp("", "keel-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            filepath.Join(dir, "keel.db"),
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_LockResources demonstrates reserving resources for an execution.
func ExampleSQLiteStore_LockResources() {
	dir, _ := os.MkdirTemp("", "keel-example")
	defer os.RemoveAll(dir)

	store, _ := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(dir, "keel.db")})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	_ = store.UpdateResource(ctx, &engine.Resource{
		ID:           "orders",
		Type:         "topic",
		DesiredState: map[string]interface{}{"partitions": 3},
	})

	// orders exists, billing gets a proposed-resource lock
	_ = store.LockResources(ctx, "alice_1", []string{"orders", "billing"})

	err := store.LockResources(ctx, "bob_1", []string{"billing"})
	fmt.Println(engine.IsLockConflict(err))

	orders, _ := store.GetResource(ctx, "orders")
	fmt.Println(orders.LockOwner)
	// Output:
	// true
	// alice_1
}
