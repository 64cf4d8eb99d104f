package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var ErrNotFound = errors.New("snapshot not found")

// Persister stores serialized category snapshots. Save must replace the primary copy atomically and keep the previous primary as the shadow copy.
type Persister interface {
	Save(ctx context.Context, c Category, data []byte) error
	Load(ctx context.Context, c Category) ([]byte, error)
	LoadShadow(ctx context.Context, c Category) ([]byte, error)
}

// FilePersister keeps one JSON file per category in a directory, with a ".bak" shadow next to each.
type FilePersister struct {
	Dir string
}

var _ Persister = (*FilePersister)(nil)

func NewFilePersister(dir string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &FilePersister{Dir: dir}, nil
}

func (p *FilePersister) primaryPath(c Category) string {
	return filepath.Join(p.Dir, string(c)+".json")
}

func (p *FilePersister) shadowPath(c Category) string {
	return p.primaryPath(c) + ".bak"
}

func (p *FilePersister) Save(ctx context.Context, c Category, data []byte) error {
	primary := p.primaryPath(c)

	f, err := os.CreateTemp(p.Dir, string(c)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	// the current primary becomes the shadow before it is replaced
	if err := copyFile(primary, p.shadowPath(c)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("writing shadow copy: %w", err)
	}
	if err := os.Rename(tmp, primary); err != nil {
		return err
	}
	syncDir(p.Dir)
	return nil
}

func (p *FilePersister) Load(ctx context.Context, c Category) ([]byte, error) {
	return readSnapshot(p.primaryPath(c))
}

func (p *FilePersister) LoadShadow(ctx context.Context, c Category) ([]byte, error) {
	return readSnapshot(p.shadowPath(c))
}

func readSnapshot(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

// copyFile writes src to dst through a temp file and rename, so a partially written shadow is never observed.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := out.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

func syncDir(path string) {
	dir, err := os.Open(path)
	if err != nil {
		return
	}
	defer func() { _ = dir.Close() }()
	_ = dir.Sync()
}
