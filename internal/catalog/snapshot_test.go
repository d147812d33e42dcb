package catalog

import (
	"fmt"
	"sync"
	"testing"

	"github.com/tsubotan1985/clads-llm-bridge/internal/models"
)

func TestSnapshot_LookupAndVisibility(t *testing.T) {
	store := NewStore()
	store.Replace([]Entry{
		{ID: 1, PublicName: "gpt-4", ServiceType: models.ServiceTypeOpenAI, AvailableOnGeneral: true, AvailableOnSpecial: true},
		{ID: 2, PublicName: "secret-4", ServiceType: models.ServiceTypeOpenAI, AvailableOnGeneral: false, AvailableOnSpecial: true},
	})

	snap := store.Current()
	if snap.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", snap.Len())
	}

	entry, found := snap.Lookup("secret-4")
	if !found || entry.ID != 2 {
		t.Fatalf("lookup secret-4: found=%v id=%d", found, entry.ID)
	}
	if entry.VisibleOn(EndpointGeneral) {
		t.Fatalf("secret-4 must not be visible on general")
	}
	if !entry.VisibleOn(EndpointSpecial) {
		t.Fatalf("secret-4 must be visible on special")
	}

	general := snap.VisibleOn(EndpointGeneral)
	if len(general) != 1 || general[0].PublicName != "gpt-4" {
		t.Fatalf("unexpected general listing: %+v", general)
	}
	special := snap.VisibleOn(EndpointSpecial)
	if len(special) != 2 {
		t.Fatalf("expected 2 models on special, got %d", len(special))
	}
}

func TestSnapshot_DuplicateNamesDropped(t *testing.T) {
	store := NewStore()
	store.Replace([]Entry{
		{ID: 1, PublicName: "gpt-4", AvailableOnGeneral: true},
		{ID: 2, PublicName: "gpt-4", AvailableOnGeneral: true},
	})
	snap := store.Current()
	if snap.Len() != 1 {
		t.Fatalf("expected duplicate to be dropped, got %d entries", snap.Len())
	}
	entry, _ := snap.Lookup("gpt-4")
	if entry.ID != 1 {
		t.Fatalf("expected first entry to win, got id %d", entry.ID)
	}
}

func TestStore_ReplaceIsAtomic(t *testing.T) {
	store := NewStore()

	// Two alternating snapshot generations; readers must only ever observe
	// a complete generation, never a mix.
	generation := func(n int) []Entry {
		out := make([]Entry, 0, 8)
		for i := 0; i < 8; i++ {
			out = append(out, Entry{
				ID:                 uint64(n*100 + i),
				PublicName:         fmt.Sprintf("model-%d-%d", n, i),
				AvailableOnGeneral: true,
			})
		}
		return out
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				store.Replace(generation(i % 2))
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		snap := store.Current()
		entries := snap.VisibleOn(EndpointGeneral)
		if len(entries) == 0 {
			continue
		}
		want := entries[0].ID / 100
		for _, entry := range entries {
			if entry.ID/100 != want {
				t.Fatalf("observed mixed snapshot generations: %d vs %d", want, entry.ID/100)
			}
		}
	}
	close(stop)
	wg.Wait()
}
