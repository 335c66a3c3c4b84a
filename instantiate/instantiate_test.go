// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package instantiate

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"oxide.build/pkg/sets"
	"oxide.build/pkg/store"
	"oxide.build/pkg/storehash"
)

// fakeStore is a minimal in-memory [Store] sufficient to exercise
// [Instantiate] without touching the filesystem or SQLite.
type fakeStore struct {
	objects map[storehash.Path][]byte
	nextID  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[storehash.Path][]byte)}
}

func (s *fakeStore) AddToStoreBuffer(ctx context.Context, r io.Reader, opt store.AddOptions) (storehash.Path, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.nextID++
	hp := storehash.HashPartOf(storehash.Sum(storehash.SHA256, data))
	p := storehash.New(hp, opt.Name)
	s.objects[p] = data
	return p, nil
}

func (s *fakeStore) AddToStore(ctx context.Context, path string, opt store.AddOptions) (storehash.Path, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	hp := storehash.HashPartOf(storehash.Sum(storehash.SHA256, data))
	p := storehash.New(hp, opt.Name)
	s.objects[p] = data
	return p, nil
}

func (s *fakeStore) StorePath(p storehash.Path) string {
	return "/store/" + string(p)
}

func TestInstantiateSimpleDerivation(t *testing.T) {
	s := newFakeStore()
	drv := New(func() (*Drv, error) {
		return &Drv{
			Name:    "hello",
			Builder: Str("/bin/sh"),
			Args:    []Expr{Str("-c"), Str("echo hi")},
		}, nil
	})

	sd, p, err := Instantiate(context.Background(), s, drv)
	if err != nil {
		t.Fatal(err)
	}
	if p == "" {
		t.Fatal("Instantiate returned empty store path")
	}
	if sd.Builder != "/bin/sh" {
		t.Errorf("Builder = %q, want /bin/sh", sd.Builder)
	}
	if _, ok := sd.EqClasses["out"]; !ok {
		t.Error("no eq-class recorded for default output \"out\"")
	}
}

func TestInstantiateIsDeterministic(t *testing.T) {
	build := func() (*Drv, error) {
		return &Drv{
			Name:    "hello",
			Builder: Str("/bin/sh"),
			Args:    []Expr{Str("-c"), Str("echo hi")},
		}, nil
	}

	s1 := newFakeStore()
	_, p1, err := Instantiate(context.Background(), s1, New(build))
	if err != nil {
		t.Fatal(err)
	}
	s2 := newFakeStore()
	_, p2, err := Instantiate(context.Background(), s2, New(build))
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Errorf("Instantiate is not deterministic: %s vs %s", p1, p2)
	}
}

func TestInstantiateSharedDependency(t *testing.T) {
	s := newFakeStore()
	shared := New(func() (*Drv, error) {
		return &Drv{Name: "shared", Builder: Str("/bin/sh")}, nil
	})

	top := New(func() (*Drv, error) {
		return &Drv{
			Name:    "top",
			Builder: Output(shared, "out"),
			Inputs: map[string]Expr{
				"dep": Output(shared, "out"),
			},
		}, nil
	})

	sd, _, err := Instantiate(context.Background(), s, top)
	if err != nil {
		t.Fatal(err)
	}
	if len(sd.InputDrvs) != 1 {
		t.Errorf("len(InputDrvs) = %d, want 1 (shared dependency instantiated once)", len(sd.InputDrvs))
	}
}

func TestInstantiateSelfReferenceFails(t *testing.T) {
	var self *LazyDrv
	self = New(func() (*Drv, error) {
		return &Drv{Name: "cycle", Builder: Output(self, "out")}, nil
	})
	if _, _, err := Instantiate(context.Background(), newFakeStore(), self); err == nil {
		t.Error("Instantiate on a self-referencing recipe succeeded, want error")
	}
}

func TestInstantiateFixedOutput(t *testing.T) {
	s := newFakeStore()
	h := storehash.Sum(storehash.SHA256, []byte("fixture content"))
	drv := New(func() (*Drv, error) {
		return &Drv{
			Name:      "src",
			FixedHash: h,
			Builder:   Str("builtin:fetchurl"),
			Inputs:    map[string]Expr{"url": Str("https://example.com/src.tar.gz")},
		}, nil
	})
	sd, _, err := Instantiate(context.Background(), s, drv)
	if err != nil {
		t.Fatal(err)
	}
	if !sd.FixedHash.Equal(h) {
		t.Errorf("FixedHash = %v, want %v", sd.FixedHash, h)
	}
}

func TestInstantiateMultipleOutputs(t *testing.T) {
	s := newFakeStore()
	drv := New(func() (*Drv, error) {
		return &Drv{
			Name:    "multi",
			Outputs: []string{"out", "dev"},
			Builder: Str("/bin/sh"),
		}, nil
	})
	sd, _, err := Instantiate(context.Background(), s, drv)
	if err != nil {
		t.Fatal(err)
	}
	if len(sd.EqClasses) != 2 {
		t.Fatalf("len(EqClasses) = %d, want 2", len(sd.EqClasses))
	}
	if sd.EqClasses["out"] == sd.EqClasses["dev"] {
		t.Error("distinct outputs got the same eq-class path")
	}
}

func TestBindResMerge(t *testing.T) {
	a := newBindRes()
	a.Strings = []string{"x"}
	a.Drvs[storehash.Path("p1")] = sets.New("out")
	b := newBindRes()
	b.Strings = []string{"y"}
	b.Srcs.Add(storehash.Path("src1"))

	a.merge(b)
	if len(a.Strings) != 2 {
		t.Errorf("len(Strings) = %d, want 2", len(a.Strings))
	}
	if !a.Srcs.Has(storehash.Path("src1")) {
		t.Error("merge did not carry over Srcs")
	}
}

func TestInstantiateLocalPath(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "fixture.txt")
	if err := os.WriteFile(srcPath, []byte("local fixture contents"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := newFakeStore()
	drv := New(func() (*Drv, error) {
		return &Drv{
			Name:    "uses-local",
			Builder: Str("/bin/sh"),
			Inputs:  map[string]Expr{"src": LocalPath(srcPath)},
		}, nil
	})

	sd, _, err := Instantiate(context.Background(), s, drv)
	if err != nil {
		t.Fatal(err)
	}
	if len(sd.InputSrcs) != 1 {
		t.Fatalf("len(InputSrcs) = %d, want 1", len(sd.InputSrcs))
	}
	if sd.Envs["src"] == "" {
		t.Error("src env was not populated from the ingested local path")
	}
}

func TestResolveExprArrayQuoting(t *testing.T) {
	e := Array(Str("has space"), Str("plain"))
	res, err := resolveExpr(context.Background(), newFakeStore(), nil, e, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Strings) != 1 {
		t.Fatalf("len(Strings) = %d, want 1", len(res.Strings))
	}
	want := `"has space" "plain"`
	if res.Strings[0] != want {
		t.Errorf("Strings[0] = %q, want %q", res.Strings[0], want)
	}
}
