package db

import (
	"context"
	"testing"
)

// NewTestProjectDB creates a migrated in-memory store for testing.
// The database is automatically closed when the test completes.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    pdb := db.NewTestProjectDB(t)
//	    // use pdb...
//	}
func NewTestProjectDB(t testing.TB) *ProjectDB {
	t.Helper()

	pdb, err := OpenProjectInMemory(context.Background())
	if err != nil {
		t.Fatalf("create test project db: %v", err)
	}

	t.Cleanup(func() {
		_ = pdb.Close()
	})

	return pdb
}

// NewTestProject creates a project row in pdb and returns it.
func NewTestProject(t testing.TB, pdb *ProjectDB, name string) *Project {
	t.Helper()

	proj := &Project{Name: name}
	if err := pdb.CreateProject(context.Background(), proj); err != nil {
		t.Fatalf("create test project: %v", err)
	}
	return proj
}
