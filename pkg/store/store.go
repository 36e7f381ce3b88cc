package store

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/spf13/afero"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/protocol"
)

// loaderSuffix marks in-progress transfers on disk.
const loaderSuffix = ".peersync-loading"

// hashCacheSize is the number of file hashes kept in memory between scans.
const hashCacheSize = 8192

// Store is the contract between the protocol engine and the local tree.
type Store interface {
	IsSafePathName(path string) bool
	FileNameExists(path string) bool
	FileNameExistsWithHash(path, md5 string) bool
	DirNameExists(path string) bool

	MakeDirectory(path string) error
	DeleteDirectory(path string) error

	CreateFileLoader(path string, fd protocol.FileDescriptor) error
	ModifyFileLoader(path string, fd protocol.FileDescriptor) error
	CancelFileLoader(path string) error
	CheckShortcut(path string) (bool, error)
	WriteFile(path string, data []byte, position int64) error
	CheckWriteComplete(path string) (bool, error)

	ReadFile(md5 string, position, length int64) ([]byte, error)
	DeleteFile(path string, lastModified int64, md5 string) error

	GenerateSyncEvents() []SyncEvent
}

// FileSystem implements Store on top of an afero filesystem.
type FileSystem struct {
	fs   afero.Fs
	root string

	// hashes maps path, size and modification time to an MD5.
	hashes *lru.Cache

	lock    sync.Mutex
	loaders map[string]*loader
	// index maps an MD5 to the paths last seen with that content.
	index map[string][]string
}

// New returns a FileSystem rooted at `root`, which must be an existing
// directory.
func New(fs afero.Fs, root string) (*FileSystem, error) {
	fi, err := fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.WithContext(err, "stat root")
	}
	if !fi.IsDir() {
		return nil, errors.NewFriendlyError("The sync path %q is not a directory.", root)
	}

	hashes, err := lru.New(hashCacheSize)
	if err != nil {
		return nil, errors.WithContext(err, "create hash cache")
	}

	return &FileSystem{
		fs:      fs,
		root:    root,
		hashes:  hashes,
		loaders: map[string]*loader{},
		index:   map[string][]string{},
	}, nil
}

// cleanPath normalizes `p` into a root-relative, slash separated path. It
// returns false if `p` could refer to something outside the tree.
func cleanPath(p string) (string, bool) {
	if p == "" || strings.ContainsRune(p, 0) {
		return "", false
	}

	for _, elem := range strings.Split(p, "/") {
		if elem == ".." {
			return "", false
		}
	}

	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "" || strings.HasSuffix(clean, loaderSuffix) {
		return "", false
	}
	return clean, true
}

func (s *FileSystem) abs(clean string) string {
	return filepath.Join(s.root, filepath.FromSlash(clean))
}

func (s *FileSystem) resolve(p string) (string, string, error) {
	clean, ok := cleanPath(p)
	if !ok {
		return "", "", errors.InvalidFieldError{Field: "pathName", Reason: fmt.Sprintf("%q is unsafe", p)}
	}
	return clean, s.abs(clean), nil
}

func (s *FileSystem) IsSafePathName(p string) bool {
	_, ok := cleanPath(p)
	return ok
}

// FileNameExists returns whether any entry, file or directory, exists at `p`.
func (s *FileSystem) FileNameExists(p string) bool {
	_, abs, err := s.resolve(p)
	if err != nil {
		return false
	}
	_, err = s.fs.Stat(abs)
	return err == nil
}

// FileNameExistsWithHash returns whether `p` is a regular file whose contents
// hash to `md5`.
func (s *FileSystem) FileNameExistsWithHash(p, md5 string) bool {
	_, abs, err := s.resolve(p)
	if err != nil {
		return false
	}

	fi, err := s.fs.Stat(abs)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}

	hash, err := s.hash(abs, fi)
	return err == nil && hash == md5
}

func (s *FileSystem) DirNameExists(p string) bool {
	_, abs, err := s.resolve(p)
	if err != nil {
		return false
	}
	fi, err := s.fs.Stat(abs)
	return err == nil && fi.IsDir()
}

func (s *FileSystem) MakeDirectory(p string) error {
	_, abs, err := s.resolve(p)
	if err != nil {
		return err
	}
	return errors.WithContext(s.fs.MkdirAll(abs, 0755), "mkdir")
}

// DeleteDirectory removes the directory at `p`. The directory must be empty.
func (s *FileSystem) DeleteDirectory(p string) error {
	_, abs, err := s.resolve(p)
	if err != nil {
		return err
	}

	fi, err := s.fs.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.FileNotFound{Path: p}
		}
		return errors.WithContext(err, "stat")
	}
	if !fi.IsDir() {
		return errors.InvalidFieldError{Field: "pathName", Reason: fmt.Sprintf("%q is not a directory", p)}
	}

	empty, err := afero.IsEmpty(s.fs, abs)
	if err != nil {
		return errors.WithContext(err, "list directory")
	}
	if !empty {
		return errors.InvalidFieldError{Field: "pathName", Reason: fmt.Sprintf("%q is not empty", p)}
	}
	return errors.WithContext(s.fs.Remove(abs), "remove")
}

// DeleteFile removes the file at `p` if its contents still hash to `md5`.
func (s *FileSystem) DeleteFile(p string, lastModified int64, md5 string) error {
	clean, abs, err := s.resolve(p)
	if err != nil {
		return err
	}

	fi, err := s.fs.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.FileNotFound{Path: p}
		}
		return errors.WithContext(err, "stat")
	}
	if !fi.Mode().IsRegular() {
		return errors.InvalidFieldError{Field: "pathName", Reason: fmt.Sprintf("%q is not a file", p)}
	}

	hash, err := s.hash(abs, fi)
	if err != nil {
		return errors.WithContext(err, "hash")
	}
	if hash != md5 {
		return errors.ErrFileChanged
	}

	if err := s.fs.Remove(abs); err != nil {
		return errors.WithContext(err, "remove")
	}

	s.lock.Lock()
	s.unindex(md5, clean)
	s.lock.Unlock()
	return nil
}

// ReadFile returns `length` bytes starting at `position` of any local file
// whose contents hash to `md5`.
func (s *FileSystem) ReadFile(md5 string, position, length int64) ([]byte, error) {
	if position < 0 || length < 0 {
		return nil, errors.InvalidFieldError{Field: "position", Reason: "negative range"}
	}

	abs, ok, err := s.locate(md5)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.FileNotFound{Path: md5}
	}

	f, err := s.fs.Open(abs)
	if err != nil {
		return nil, errors.WithContext(err, "open")
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.WithContext(err, "stat")
	}
	if position > fi.Size() || length > fi.Size()-position {
		return nil, errors.InvalidFieldError{Field: "length",
			Reason: fmt.Sprintf("range %d+%d exceeds the file size %d", position, length, fi.Size())}
	}

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, position)
	if int64(n) != length {
		if err == nil {
			err = errors.New("short read")
		}
		return nil, errors.WithContext(err, "read")
	}
	return buf, nil
}

// locate finds a file with the given contents. The index is only refreshed
// by scans, so a miss triggers one before giving up.
func (s *FileSystem) locate(md5 string) (string, bool, error) {
	if abs, ok := s.findContent(md5); ok {
		return abs, true, nil
	}

	if _, err := s.scan(); err != nil {
		return "", false, errors.WithContext(err, "scan")
	}
	abs, ok := s.findContent(md5)
	return abs, ok, nil
}

// findContent returns a file that currently hashes to `md5`, dropping stale
// index entries along the way.
func (s *FileSystem) findContent(md5 string) (string, bool) {
	s.lock.Lock()
	candidates := append([]string(nil), s.index[md5]...)
	s.lock.Unlock()

	for _, clean := range candidates {
		abs := s.abs(clean)
		fi, err := s.fs.Stat(abs)
		if err == nil && fi.Mode().IsRegular() {
			if hash, err := s.hash(abs, fi); err == nil && hash == md5 {
				return abs, true
			}
		}

		s.lock.Lock()
		s.unindex(md5, clean)
		s.lock.Unlock()
	}
	return "", false
}

// The caller must hold s.lock.
func (s *FileSystem) unindex(md5, clean string) {
	paths := s.index[md5]
	for i, p := range paths {
		if p == clean {
			paths = append(paths[:i], paths[i+1:]...)
			break
		}
	}

	if len(paths) == 0 {
		delete(s.index, md5)
	} else {
		s.index[md5] = paths
	}
}

// The caller must hold s.lock.
func (s *FileSystem) addToIndex(md5, clean string) {
	for _, p := range s.index[md5] {
		if p == clean {
			return
		}
	}
	s.index[md5] = append(s.index[md5], clean)
}
