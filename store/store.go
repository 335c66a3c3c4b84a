// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"

	"oxide.build/pkg/sets"
	"oxide.build/pkg/storehash"
	"oxide.build/pkg/treehash"
)

// Realisation is a trusted witness that a particular equivalence class's
// output was produced at a particular store path.
type Realisation struct {
	EqClass storehash.Path
	Out     string
	Path    storehash.Path
}

// Store is the interface the instantiator and build engine depend on.
// [LocalStore] is the only implementation.
type Store interface {
	AddToStore(ctx context.Context, path string, opt AddOptions) (storehash.Path, error)
	AddToStoreBuffer(ctx context.Context, r io.Reader, opt AddOptions) (storehash.Path, error)
	ReadDrv(ctx context.Context, p storehash.Path) ([]byte, error)
	TrustedPaths(ctx context.Context, eqClass storehash.Path, out string) ([]storehash.Path, error)
	RealisationRefs(ctx context.Context, r Realisation) ([]Realisation, error)
	StorePath(p storehash.Path) string
}

// LocalStore is a content-addressed store rooted at a directory on the local
// filesystem, backed by a SQLite metadata database.
type LocalStore struct {
	dir string
	db  *sqlitemigration.Pool

	locks mutexMap[storehash.Path]
}

// NewLocalStore opens (creating and migrating if necessary) a local store
// rooted at dir, with its metadata database at dbPath. Callers must call
// [LocalStore.Close] when done.
func NewLocalStore(dir, dbPath string) *LocalStore {
	return &LocalStore{
		dir: dir,
		db: sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnStartMigrate: func() {
				log.Debugf(context.Background(), "migrating store metadata database")
			},
			OnReady: func() {
				log.Debugf(context.Background(), "store metadata database ready")
			},
		}),
	}
}

// Close releases the store's database connections.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// StorePath projects p into an absolute filesystem path under the store
// directory. An empty p yields the bare store directory, matching
// the fixed-output hash wart's use of an empty placeholder (see
// SPEC_FULL.md §9).
func (s *LocalStore) StorePath(p storehash.Path) string {
	if p == "" {
		return s.dir
	}
	return filepath.Join(s.dir, string(p))
}

// AddToStoreBuffer spools r to a temporary file within the store directory
// and delegates to [LocalStore.AddToStore].
func (s *LocalStore) AddToStoreBuffer(ctx context.Context, r io.Reader, opt AddOptions) (storehash.Path, error) {
	tmp, err := os.CreateTemp(s.dir, ".tmp-add-*")
	if err != nil {
		return "", fmt.Errorf("add to store: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("add to store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("add to store: %w", err)
	}
	return s.AddToStore(ctx, tmpPath, opt)
}

// AddToStore ingests the file tree at path (which may live inside the store
// directory already, in which case it is moved rather than copied) following
// the six-step algorithm: validate name, hash, derive final path, short
// circuit or move-and-register under an exclusive per-path lock, fix
// permissions, and optionally register a realisation.
func (s *LocalStore) AddToStore(ctx context.Context, path string, opt AddOptions) (storehash.Path, error) {
	if err := storehash.ValidateName(opt.Name, true); err != nil {
		return "", fmt.Errorf("add to store %s: %w", opt.Name, err)
	}

	useSelfHash := opt.SelfHash != ""

	h, err := treehash.Hash(path, treehash.Options{
		Algo:     opt.Algo,
		Rewrites: opt.Rewrites,
		SelfHash: opt.SelfHash,
	})
	if err != nil {
		return "", fmt.Errorf("add to store %s: %w", opt.Name, err)
	}

	finalHashPart := storehash.HashPartOf(h)
	finalPath := storehash.New(finalHashPart, opt.Name)

	if !opt.Force {
		if known, err := s.isKnown(ctx, finalPath); err != nil {
			return "", err
		} else if known {
			if opt.EqClass != "" {
				if err := s.registerRealisation(ctx, opt.EqClass, opt.Out, finalPath, rewriteRefs(opt.EqRefs, opt.Rewrites)); err != nil {
					return "", err
				}
			}
			return finalPath, nil
		}
	}

	unlock, err := s.locks.lock(ctx, finalPath)
	if err != nil {
		return "", fmt.Errorf("add to store %s: %w", opt.Name, err)
	}
	defer unlock()

	pathLock, err := newPathLock(s.StorePath(finalPath) + ".lock")
	if err != nil {
		return "", fmt.Errorf("add to store %s: %w", opt.Name, err)
	}
	defer pathLock.close()
	if err := pathLock.acquire(); err != nil {
		return "", fmt.Errorf("add to store %s: %w", opt.Name, err)
	}
	defer pathLock.release()

	if !opt.Force {
		if known, err := s.isKnown(ctx, finalPath); err != nil {
			return "", err
		} else if known {
			if opt.EqClass != "" {
				if err := s.registerRealisation(ctx, opt.EqClass, opt.Out, finalPath, rewriteRefs(opt.EqRefs, opt.Rewrites)); err != nil {
					return "", err
				}
			}
			return finalPath, nil
		}
	}

	dest := s.StorePath(finalPath)
	if err := moveOrCopy(path, dest, filepath.Clean(s.dir)); err != nil {
		return "", fmt.Errorf("add to store %s: %w", opt.Name, err)
	}

	rewrites := opt.Rewrites
	if useSelfHash {
		if rewrites == nil {
			rewrites = make(map[storehash.HashPart]storehash.HashPart)
		} else {
			merged := make(map[storehash.HashPart]storehash.HashPart, len(rewrites)+1)
			for k, v := range rewrites {
				merged[k] = v
			}
			rewrites = merged
		}
		rewrites[opt.SelfHash] = finalHashPart
		if _, err := treehash.Hash(dest, treehash.Options{
			Algo:     opt.Algo,
			Rewrites: map[storehash.HashPart]storehash.HashPart{opt.SelfHash: finalHashPart},
		}); err != nil {
			return "", fmt.Errorf("add to store %s: self-rewrite: %w", opt.Name, err)
		}
	}

	if err := chmodTree(dest); err != nil {
		return "", fmt.Errorf("add to store %s: %w", opt.Name, err)
	}

	refs := rewriteRefs(opt.Refs, rewrites)
	if err := s.registerObject(ctx, finalPath, h, refs); err != nil {
		return "", fmt.Errorf("add to store %s: %w", opt.Name, err)
	}

	if opt.EqClass != "" {
		if err := s.registerRealisation(ctx, opt.EqClass, opt.Out, finalPath, rewriteRefs(opt.EqRefs, rewrites)); err != nil {
			return "", err
		}
	}

	return finalPath, nil
}


func rewriteRefs(refs sets.Set[storehash.Path], rewrites map[storehash.HashPart]storehash.HashPart) sets.Set[storehash.Path] {
	if len(rewrites) == 0 {
		return refs
	}
	out := make(sets.Set[storehash.Path], len(refs))
	for p := range refs.All() {
		if repl, ok := rewrites[p.HashPart()]; ok {
			out.Add(p.WithHashPart(repl))
		} else {
			out.Add(p)
		}
	}
	return out
}

func moveOrCopy(src, dest, storeDir string) error {
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	if rel, err := filepath.Rel(storeDir, absSrc); err == nil && !hasDotDotPrefix(rel) {
		if err := os.Rename(src, dest); err == nil {
			return nil
		}
	}
	return copyTree(src, dest)
}

func hasDotDotPrefix(rel string) bool {
	return rel == ".." || (len(rel) >= 3 && rel[:3] == "../")
}

func copyTree(src, dest string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dest)
	case info.IsDir():
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dest, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	default:
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	}
}

func chmodTree(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil
	}
	if info.IsDir() {
		if err := os.Chmod(path, 0o755); err != nil {
			return err
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := chmodTree(filepath.Join(path, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	}
	perm := os.FileMode(0o444)
	if info.Mode().Perm()&0o111 != 0 {
		perm = 0o555
	}
	return os.Chmod(path, perm)
}

func (s *LocalStore) isKnown(ctx context.Context, p storehash.Path) (bool, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("query store metadata: %w", err)
	}
	defer s.db.Put(conn)

	found := false
	err = sqlitex.ExecuteTransient(conn, "SELECT 1 FROM store_obj WHERE path = :path;", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(p)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("query store metadata: %w", err)
	}
	return found, nil
}

func (s *LocalStore) registerObject(ctx context.Context, p storehash.Path, h storehash.Hash, refs sets.Set[storehash.Path]) (err error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return fmt.Errorf("register store object: %w", err)
	}
	defer s.db.Put(conn)

	defer sqlitex.Save(conn)(&err)

	if err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "upsert_store_obj.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(p), ":hash": h.String()},
	}); err != nil {
		return fmt.Errorf("register store object %s: %w", p, err)
	}
	for ref := range refs.All() {
		if err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "upsert_store_obj.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":path": string(ref), ":hash": ""},
		}); err != nil {
			return fmt.Errorf("register store object %s: reference %s: %w", p, ref, err)
		}
		if err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_ref.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":referrer": string(p), ":reference": string(ref)},
		}); err != nil {
			return fmt.Errorf("register store object %s: reference %s: %w", p, ref, err)
		}
	}
	return nil
}

func (s *LocalStore) registerRealisation(ctx context.Context, eqClass storehash.Path, out string, p storehash.Path, refs sets.Set[storehash.Path]) (err error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return fmt.Errorf("register realisation: %w", err)
	}
	defer s.db.Put(conn)

	defer sqlitex.Save(conn)(&err)

	if err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_realisation.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":eq_class": string(eqClass), ":out": out, ":path": string(p)},
	}); err != nil {
		return fmt.Errorf("register realisation (%s, %s): %w", eqClass, out, err)
	}
	referrer := conn.LastInsertRowID()
	for ref := range refs.All() {
		if err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_realisation_ref.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":referrer": referrer, ":reference": string(ref)},
		}); err != nil {
			return fmt.Errorf("register realisation (%s, %s): reference %s: %w", eqClass, out, ref, err)
		}
	}
	return nil
}

// TrustedPaths lists the realisations trusted to satisfy (eqClass, out).
// Every registered realisation is currently treated as trusted (see
// SPEC_FULL.md §9 Open Questions).
func (s *LocalStore) TrustedPaths(ctx context.Context, eqClass storehash.Path, out string) ([]storehash.Path, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("trusted paths: %w", err)
	}
	defer s.db.Put(conn)

	var paths []storehash.Path
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "find_trusted_paths.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":eq_class": string(eqClass), ":out": out},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			paths = append(paths, storehash.Path(stmt.GetText("path")))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("trusted paths (%s, %s): %w", eqClass, out, err)
	}
	return paths, nil
}

// RealisationRefs returns the direct references of r that are themselves
// known realisations.
func (s *LocalStore) RealisationRefs(ctx context.Context, r Realisation) ([]Realisation, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("realisation refs: %w", err)
	}
	defer s.db.Put(conn)

	var out []Realisation
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "find_realisation_refs.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":referrer": string(r.Path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, Realisation{
				EqClass: storehash.Path(stmt.GetText("eq_class")),
				Out:     stmt.GetText("out"),
				Path:    storehash.Path(stmt.GetText("path")),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realisation refs of %s: %w", r.Path, err)
	}
	return out, nil
}

// ReadDrv reads the raw canonical TOML text of the store derivation at p.
func (s *LocalStore) ReadDrv(ctx context.Context, p storehash.Path) ([]byte, error) {
	if !p.IsDerivation() {
		return nil, fmt.Errorf("read drv %s: not a derivation path", p)
	}
	data, err := os.ReadFile(s.StorePath(p))
	if err != nil {
		return nil, fmt.Errorf("read drv %s: %w", p, err)
	}
	return data, nil
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	return nil
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d_%s.sql", i, schemaFileSuffix(i)))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})
	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}

func schemaFileSuffix(i int) string {
	names := []string{"", "store_obj", "ref", "realisation", "realisation_ref"}
	if i < len(names) {
		return names[i]
	}
	return ""
}
