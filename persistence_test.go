package mq

import "testing"

func TestNoneStorePutGetFail(t *testing.T) {
	var s NoneStore
	if err := s.Put("s-1", []byte("x")); err == nil {
		t.Fatal("Put on NoneStore must fail")
	}
	if _, err := s.Get("s-1"); err == nil {
		t.Fatal("Get on NoneStore must fail")
	}
	if s.ContainsKey("s-1") {
		t.Fatal("ContainsKey on NoneStore must always report false")
	}
	if err := s.Remove("s-1"); err != nil {
		t.Fatalf("Remove on NoneStore must be a no-op success: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear on NoneStore must be a no-op success: %v", err)
	}
}

func TestMemoryStorePutGetRemove(t *testing.T) {
	s := NewMemoryStore()

	if err := s.Put("s-1", []byte("hello "), []byte("world")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get("s-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("Get = %q, want concatenation of buffers", got)
	}
	if !s.ContainsKey("s-1") {
		t.Fatal("ContainsKey = false after Put")
	}

	if err := s.Remove("s-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.ContainsKey("s-1") {
		t.Fatal("ContainsKey = true after Remove")
	}
	if _, err := s.Get("s-1"); err == nil {
		t.Fatal("Get after Remove must fail")
	}
}

func TestMemoryStoreKeysAndClear(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Put("s-1", []byte("a"))
	_ = s.Put("r-2", []byte("b"))
	_ = s.Put("sc-1", []byte("c"))

	keys, err := s.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("Keys() = %v, want 3 entries", keys)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	keys, err = s.Keys()
	if err != nil {
		t.Fatalf("Keys after Clear: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("Keys() after Clear = %v, want empty", keys)
	}
}

func TestPersistenceKeyGrammar(t *testing.T) {
	if got := outboundKey(7); got != "s-7" {
		t.Fatalf("outboundKey(7) = %q, want s-7", got)
	}
	if got := pubrelKey(7); got != "sc-7" {
		t.Fatalf("pubrelKey(7) = %q, want sc-7", got)
	}
	if got := inboundKey(7); got != "r-7" {
		t.Fatalf("inboundKey(7) = %q, want r-7", got)
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Put("s-1", []byte("original"))

	got, err := s.Get("s-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got[0] = 'X'

	got2, err := s.Get("s-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got2) != "original" {
		t.Fatalf("mutating a returned buffer corrupted the store: %q", got2)
	}
}
