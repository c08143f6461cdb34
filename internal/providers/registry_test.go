package providers

import (
	"testing"
)

func regProvider(id string) Provider {
	return Provider{
		ID: id, Name: id, BaseURL: "http://" + id + ".local",
		Enabled: true, Weight: 100,
		APITypes: []APIType{APITypeChat},
	}
}

func TestRegistryCopiesItsInput(t *testing.T) {
	input := []Provider{regProvider("p1")}
	r := NewRegistry(input)

	input[0].ID = "mutated"

	if got := r.Snapshot()[0].ID; got != "p1" {
		t.Errorf("registry saw caller mutation: id = %q", got)
	}
}

func TestRegistryReloadSwapsAtomically(t *testing.T) {
	r := NewRegistry([]Provider{regProvider("old")})

	held := r.Snapshot()

	r.Reload([]Provider{regProvider("new-1"), regProvider("new-2")})

	// The pre-reload snapshot is untouched; new readers see the new set.
	if len(held) != 1 || held[0].ID != "old" {
		t.Errorf("held snapshot changed under reload: %+v", held)
	}
	fresh := r.Snapshot()
	if len(fresh) != 2 || fresh[0].ID != "new-1" {
		t.Errorf("fresh snapshot = %+v, want the reloaded set", fresh)
	}
}

func TestRegistryVersionIncrements(t *testing.T) {
	r := NewRegistry(nil)

	if v := r.Version(); v != 1 {
		t.Errorf("initial version = %d, want 1", v)
	}

	r.Reload(nil)
	r.Reload([]Provider{regProvider("p1")})

	if v := r.Version(); v != 3 {
		t.Errorf("version after two reloads = %d, want 3", v)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry([]Provider{regProvider("p1"), regProvider("p2")})

	p, ok := r.Lookup("p2")
	if !ok || p.ID != "p2" {
		t.Errorf("Lookup(p2) = %+v/%v", p, ok)
	}
	if _, ok := r.Lookup("ghost"); ok {
		t.Error("Lookup of an unknown id should miss")
	}

	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}
