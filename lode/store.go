// Package lode is the durable storage collaborator for tapedeck.
//
// It adapts a lode Store (filesystem, in-memory or S3) to the narrow
// ObjectStore surface the uploader and the listing accessor consume, and
// keeps an append-only upload ledger as a lode Dataset.
package lode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/tapedeck/iox"
)

// ArtifactPrefix is the key prefix under which artifacts and their records live.
const ArtifactPrefix = "audio/"

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	// Name is the object name relative to ArtifactPrefix.
	Name string
	// Key is the full store key.
	Key string
}

// ObjectStore is the storage collaborator consumed by the uploader and the
// listing accessor. Implementations must be safe for concurrent use.
type ObjectStore interface {
	// Upload copies the local file at localPath to the object name.
	// Returns nil only after the store acknowledged a durable write.
	// Existing objects are never replaced: re-uploading identical content is
	// a no-op success, different content fails with ErrConflict.
	Upload(ctx context.Context, name, localPath string) error

	// Put writes a small object from memory with the same rules as Upload.
	Put(ctx context.Context, name string, data []byte) error

	// Get reads an object fully.
	Get(ctx context.Context, name string) ([]byte, error)

	// Head reads at most the first n bytes of an object.
	Head(ctx context.Context, name string, n int64) ([]byte, error)

	// List returns every stored object, sorted by name.
	List(ctx context.Context) ([]ObjectInfo, error)
}

// Store is a lode-backed ObjectStore.
// The underlying lode.Store is created lazily from the factory.
type Store struct {
	factory lode.StoreFactory

	storeOnce sync.Once
	store     lode.Store
	storeErr  error
}

// NewStore creates an ObjectStore over the given lode store factory.
// Use lode.NewMemoryFactory() for testing.
func NewStore(factory lode.StoreFactory) *Store {
	return &Store{factory: factory}
}

// getOrCreateStore lazily initializes the Store from the factory.
func (s *Store) getOrCreateStore() (lode.Store, error) {
	s.storeOnce.Do(func() {
		s.store, s.storeErr = s.factory()
		if s.storeErr != nil {
			s.storeErr = WrapInitError(s.storeErr, ArtifactPrefix)
		}
	})
	return s.store, s.storeErr
}

func key(name string) string {
	return ArtifactPrefix + name
}

// Upload implements ObjectStore.
func (s *Store) Upload(ctx context.Context, name, localPath string) error {
	return s.put(ctx, name, func() (io.ReadCloser, error) {
		f, err := os.Open(localPath)
		if err != nil {
			return nil, WrapReadError(err, localPath)
		}
		return f, nil
	})
}

// Put implements ObjectStore.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	return s.put(ctx, name, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
}

// put writes the content returned by open under name. open may be called
// twice: once to write and once to compare against an existing object.
func (s *Store) put(ctx context.Context, name string, open func() (io.ReadCloser, error)) error {
	if err := validateName(name); err != nil {
		return err
	}
	store, err := s.getOrCreateStore()
	if err != nil {
		return err
	}

	k := key(name)
	exists, err := store.Exists(ctx, k)
	if err != nil {
		return WrapReadError(err, k)
	}
	if exists {
		return sameContent(ctx, store, k, open)
	}

	r, err := open()
	if err != nil {
		return err
	}
	err = store.Put(ctx, k, r)
	iox.DiscardClose(r)
	if errors.Is(err, lode.ErrPathExists) {
		// Lost a race with a concurrent writer of the same key.
		return sameContent(ctx, store, k, open)
	}
	if err != nil {
		return WrapWriteError(err, k)
	}
	return nil
}

// sameContent returns nil if the object at k holds exactly the content of
// open, ErrConflict otherwise.
func sameContent(ctx context.Context, store lode.Store, k string, open func() (io.ReadCloser, error)) error {
	rc, err := store.Get(ctx, k)
	if err != nil {
		return WrapReadError(err, k)
	}
	have, err := digest(rc)
	iox.DiscardClose(rc)
	if err != nil {
		return WrapReadError(err, k)
	}

	r, err := open()
	if err != nil {
		return err
	}
	want, err := digest(r)
	iox.DiscardClose(r)
	if err != nil {
		return WrapReadError(err, k)
	}

	if have != want {
		return NewStorageError(ErrConflict, "write", k,
			fmt.Errorf("stored checksum %s, local checksum %s", have, want))
	}
	return nil
}

func digest(r io.Reader) (string, error) {
	h := lode.NewMD5Checksum().NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return h.Sum(), nil
}

// Get implements ObjectStore.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	store, err := s.getOrCreateStore()
	if err != nil {
		return nil, err
	}

	k := key(name)
	rc, err := store.Get(ctx, k)
	if err != nil {
		return nil, WrapReadError(err, k)
	}
	defer iox.DiscardClose(rc)

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, WrapReadError(err, k)
	}
	return data, nil
}

// Head implements ObjectStore. Stores without range reads fall back to a
// full read.
func (s *Store) Head(ctx context.Context, name string, n int64) ([]byte, error) {
	store, err := s.getOrCreateStore()
	if err != nil {
		return nil, err
	}

	k := key(name)
	data, err := store.ReadRange(ctx, k, 0, n)
	if errors.Is(err, lode.ErrRangeReadNotSupported) {
		data, err = s.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		return data[:min(int64(len(data)), n)], nil
	}
	if err != nil {
		return nil, WrapReadError(err, k)
	}
	return data, nil
}

// List implements ObjectStore.
func (s *Store) List(ctx context.Context) ([]ObjectInfo, error) {
	store, err := s.getOrCreateStore()
	if err != nil {
		return nil, err
	}

	keys, err := store.List(ctx, ArtifactPrefix)
	if err != nil {
		return nil, NewStorageError(classifyError(err), "list", ArtifactPrefix, err)
	}

	objects := make([]ObjectInfo, 0, len(keys))
	for _, k := range keys {
		name := strings.TrimPrefix(k, ArtifactPrefix)
		if name == k {
			// Some stores return keys relative to the listed prefix.
			name = path.Base(k)
			k = key(name)
		}
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		objects = append(objects, ObjectInfo{Name: name, Key: k})
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}

// errInvalidName is returned for names that would escape ArtifactPrefix.
var errInvalidName = errors.New("invalid object name")

func validateName(name string) error {
	if name == "" || strings.Contains(name, "/") || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", errInvalidName, name)
	}
	return nil
}

// Verify Store implements ObjectStore.
var _ ObjectStore = (*Store)(nil)
