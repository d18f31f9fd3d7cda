package routing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trunks.yaml")
	body := `trunks:
  - name: carrier-a
    provider: acme
    server: sip.acme.test
    port: 5060
  - name: carrier-b
    enabled: false
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 trunks, got %d", len(got))
	}
	if !got[0].Enabled || got[0].Port != 5060 || got[0].Server != "sip.acme.test" {
		t.Fatalf("unexpected first trunk %+v", got[0])
	}
	if got[1].Enabled {
		t.Fatalf("expected explicit enabled=false to stick")
	}
}

func TestLoadFile_RejectsBadName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trunks.yaml")
	if err := os.WriteFile(path, []byte("trunks:\n  - name: \"bad@name\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path); !errors.Is(err, ErrInvalidTrunk) {
		t.Fatalf("expected ErrInvalidTrunk, got %v", err)
	}
}

func TestReload_MergesStaticAndStored(t *testing.T) {
	repo := NewMemoryRepo(Trunk{Name: "b", Enabled: true}, Trunk{Name: "static", Enabled: false})
	pool := NewTrunkPool(nil)

	static := []Trunk{{Name: "static", Enabled: true}, {Name: "a", Enabled: true}}
	if err := Reload(context.Background(), pool, repo, static); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := names(pool.Trunks())
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected stored disabled entry to override static, got %v", got)
	}
}

func TestMemoryRepo_CreateDelete(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	if err := repo.Create(ctx, Trunk{Name: "a", Enabled: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, Trunk{Name: "a"}); err != ErrDuplicateTrunk {
		t.Fatalf("expected ErrDuplicateTrunk, got %v", err)
	}
	if err := repo.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.Delete(ctx, "a"); err != ErrTrunkNotFound {
		t.Fatalf("expected ErrTrunkNotFound, got %v", err)
	}
}
