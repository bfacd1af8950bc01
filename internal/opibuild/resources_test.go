package opibuild

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReleaseAllReverseOrder(t *testing.T) {
	scope := NewResourceScope(nil, nil)
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		scope.Track(ResourceMount, name, func() error {
			order = append(order, name)
			return nil
		})
	}

	if ec := scope.ReleaseAll(); ec != nil {
		t.Fatalf("unexpected error: %v", ec)
	}
	want := []string{"third", "second", "first"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("release order mismatch (-want +got):\n%s", diff)
	}
	if scope.Len() != 0 {
		t.Errorf("scope still tracks %d resources after ReleaseAll", scope.Len())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	scope := NewResourceScope(nil, nil)
	count := 0
	r := scope.Track(ResourceLoopDevice, "/dev/loop0", func() error {
		count++
		return nil
	})

	if err := r.Release(); err != nil {
		t.Fatal(err)
	}
	if err := r.Release(); err != nil {
		t.Fatal(err)
	}
	if ec := scope.ReleaseAll(); ec != nil {
		t.Fatalf("unexpected error: %v", ec)
	}
	if count != 1 {
		t.Errorf("release ran %d times, want 1", count)
	}
}

func TestReleaseAllAggregatesFailures(t *testing.T) {
	scope := NewResourceScope(nil, nil)
	released := map[string]bool{}
	scope.Track(ResourceMount, "/mnt/a", func() error {
		released["a"] = true
		return nil
	})
	scope.Track(ResourceMount, "/mnt/b", func() error {
		return errors.New("device busy")
	})
	scope.Track(ResourceMount, "/mnt/c", func() error {
		released["c"] = true
		return nil
	})

	ec := scope.ReleaseAll()
	if ec == nil || ec.Kind != ResourceUnavailable {
		t.Fatalf("got %v, want an aggregated ResourceUnavailable", ec)
	}
	if !released["a"] || !released["c"] {
		t.Error("a failing release must not block the remaining teardown")
	}
}

func TestScopeDir(t *testing.T) {
	base := t.TempDir()
	scope := NewResourceScope(nil, nil)

	path := filepath.Join(base, "work", "nested")
	if _, ec := scope.Dir(path, false); ec != nil {
		t.Fatalf("Dir: %v", ec)
	}
	if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
		t.Fatalf("directory was not created: %v", err)
	}

	// Registering an existing directory is fine.
	if _, ec := scope.Dir(path, true); ec != nil {
		t.Fatalf("Dir on existing path: %v", ec)
	}

	if ec := scope.ReleaseAll(); ec != nil {
		t.Fatalf("ReleaseAll: %v", ec)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("non-keep directory should be removed on release")
	}
}

func TestScopeDirKeep(t *testing.T) {
	base := t.TempDir()
	scope := NewResourceScope(nil, nil)
	path := filepath.Join(base, "output")
	if _, ec := scope.Dir(path, true); ec != nil {
		t.Fatalf("Dir: %v", ec)
	}
	if ec := scope.ReleaseAll(); ec != nil {
		t.Fatalf("ReleaseAll: %v", ec)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("keep directory must survive release")
	}
}
