package kv

import (
	"errors"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetDelete(t *testing.T) {
	s := testStore(t)

	if err := s.Set("identity", []byte(`{"user_id":"u1"}`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := s.Get("identity")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `{"user_id":"u1"}` {
		t.Errorf("Get() = %q", got)
	}

	if err := s.Delete("identity"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get("identity"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSetOverwrites(t *testing.T) {
	s := testStore(t)
	if err := s.Set("k", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("k", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v2" {
		t.Errorf("Get() = %q, want v2", got)
	}
}

func TestDeleteMissingIsNoop(t *testing.T) {
	s := testStore(t)
	if err := s.Delete("nope"); err != nil {
		t.Errorf("Delete(missing) error = %v", err)
	}
}

// TestSurvivesReopen verifies values persist across a full close/reopen,
// which is what the offline queue relies on after a process restart.
func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("queue", []byte(`["a","b"]`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s2.Close() }()
	if _, err := s2.Migrate(); err != nil {
		t.Fatal(err)
	}
	got, err := s2.Get("queue")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `["a","b"]` {
		t.Errorf("Get() after reopen = %q", got)
	}
}
