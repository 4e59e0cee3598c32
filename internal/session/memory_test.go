package session

import (
	"testing"
	"testing/synctest"
	"time"
)

func TestMemStoreNew(t *testing.T) {
	_, err := NewMemStore[string, string](-10*time.Second, false)
	if nil == err {
		t.Error("Could construct MemStore with lifetime < 0")
	}
	_, err = NewMemStore[string, string](0, false)
	if nil == err {
		t.Error("Could construct MemStore with 0 lifetime")
	}
	store, err := NewMemStore[string, string](time.Second, false)
	if nil != err {
		t.Errorf("Failed NewMemStore, got error %v", err)
	}
	if nil == store {
		t.Error("Got nil *MemStore")
	}
}

func TestMemStoreExpires(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lifetime := 32 * time.Second
		store := getStore(t, lifetime, false)

		// Get with a non registered key
		_, found := store.Get("missing")
		if found {
			t.Error("[0]: store.Get reports found on missing key")
		}

		// Add a value to the store
		store.Set("k1", "data")

		// Advance the clock just before expiration limit
		time.Sleep(lifetime - 1*time.Nanosecond)
		v, found := store.Get("k1")
		if !found {
			t.Error("[1]: store.Get reports not found on existing key")
		}
		if "data" != v {
			t.Errorf(`[2]: retrieved invalid v "%s" != "data"`, v)
		}

		// Pass the expiration limit
		// the store is not sliding, the Get above did not extend the deadline
		time.Sleep(2 * time.Nanosecond)
		_, found = store.Get("k1")
		if found {
			t.Error("[3]: store.Get reports found on expired key")
		}
	})
}

func TestMemStoreSlidingExpiry(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lifetime := 16 * time.Second
		store := getStore(t, lifetime, true)

		store.Set("k1", "data")

		// read the key repeatedly, each read extends the deadline
		// cumulated sleep far exceeds the store lifetime
		for step := range 8 {
			time.Sleep(lifetime - 1*time.Nanosecond)
			_, found := store.Get("k1")
			if !found {
				t.Fatalf("[%d] store.Get reports not found on refreshed key", step)
			}
		}

		// stop reading, the key finally expires
		time.Sleep(lifetime + 1*time.Nanosecond)
		_, found := store.Get("k1")
		if found {
			t.Error("store.Get reports found on expired key")
		}
	})
}

func TestMemStoreSetResetsDeadline(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lifetime := 8 * time.Second
		store := getStore(t, lifetime, false)

		store.Set("k1", "old")
		time.Sleep(lifetime / 2)
		store.Set("k1", "new")

		// past the original deadline, before the reset one
		time.Sleep(lifetime/2 + 1*time.Second)
		v, found := store.Get("k1")
		if !found {
			t.Fatal("store.Get reports not found on rewritten key")
		}
		if "new" != v {
			t.Errorf(`retrieved invalid v "%s" != "new"`, v)
		}
	})
}

func TestMemStoreDelete(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lifetime := 8 * time.Second
		store := getStore(t, lifetime, false)

		if store.Delete("missing") {
			t.Error("store.Delete reports removal of missing key")
		}

		store.Set("k1", "data")
		if !store.Delete("k1") {
			t.Error("store.Delete reports no removal of live key")
		}
		_, found := store.Get("k1")
		if found {
			t.Error("store.Get reports found on deleted key")
		}

		store.Set("k2", "data")
		time.Sleep(lifetime + 1*time.Nanosecond)
		if store.Delete("k2") {
			t.Error("store.Delete reports removal of expired key")
		}
	})
}

func TestMemStoreLen(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lifetime := 8 * time.Second
		store := getStore(t, lifetime, false)

		store.Set("k1", "data")
		time.Sleep(lifetime / 2)
		store.Set("k2", "data")
		if 2 != store.Len() {
			t.Errorf("store.Len -> %d != 2", store.Len())
		}

		time.Sleep(lifetime/2 + 1*time.Nanosecond)
		if 1 != store.Len() {
			t.Errorf("store.Len -> %d != 1", store.Len())
		}
	})
}

func getStore(t *testing.T, lifetime time.Duration, sliding bool) *MemStore[string, string] {
	store, err := NewMemStore[string, string](lifetime, sliding)
	if nil != err {
		t.Fatalf("Failed NewMemStore, got error %v", err)
	}

	return store
}
