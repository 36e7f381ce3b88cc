package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/protocol"
)

// A loader collects the bytes of an incoming file.
type loader struct {
	path string
	dst  string
	tmp  string
	fd   protocol.FileDescriptor
}

// CreateFileLoader prepares to receive a new file at `p`.
func (s *FileSystem) CreateFileLoader(p string, fd protocol.FileDescriptor) error {
	return s.newLoader(p, fd, false)
}

// ModifyFileLoader prepares to receive new contents for the existing file
// at `p`.
func (s *FileSystem) ModifyFileLoader(p string, fd protocol.FileDescriptor) error {
	return s.newLoader(p, fd, true)
}

func (s *FileSystem) newLoader(p string, fd protocol.FileDescriptor, replace bool) error {
	clean, abs, err := s.resolve(p)
	if err != nil {
		return err
	}
	if fd.FileSize < 0 {
		return errors.InvalidFieldError{Field: "fileSize", Reason: "negative size"}
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.loaders[clean]; ok {
		return errors.NewFriendlyError("a transfer for %q is already in progress", clean)
	}

	fi, err := s.fs.Stat(abs)
	switch {
	case err == nil && !replace:
		return errors.InvalidFieldError{Field: "pathName", Reason: fmt.Sprintf("%q already exists", p)}
	case err == nil && !fi.Mode().IsRegular():
		return errors.InvalidFieldError{Field: "pathName", Reason: fmt.Sprintf("%q is not a file", p)}
	case os.IsNotExist(err) && replace:
		return errors.FileNotFound{Path: p}
	case err != nil && !os.IsNotExist(err):
		return errors.WithContext(err, "stat")
	}

	if err := s.fs.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return errors.WithContext(err, "create parent directory")
	}

	l := &loader{path: clean, dst: abs, tmp: abs + loaderSuffix, fd: fd}
	f, err := s.fs.OpenFile(l.tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.WithContext(err, "create loader file")
	}
	defer f.Close()

	if err := f.Truncate(fd.FileSize); err != nil {
		s.removeLoaderFile(l)
		return errors.WithContext(err, "allocate loader file")
	}

	s.loaders[clean] = l
	return nil
}

// CancelFileLoader discards the loader for `p`, if there is one.
func (s *FileSystem) CancelFileLoader(p string) error {
	clean, ok := cleanPath(p)
	if !ok {
		return nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	l, ok := s.loaders[clean]
	if !ok {
		return nil
	}
	delete(s.loaders, clean)
	return errors.WithContext(s.fs.Remove(l.tmp), "remove loader file")
}

// CheckShortcut completes the loader for `p` from a local file with the same
// contents, if one exists. It returns whether the loader was completed.
func (s *FileSystem) CheckShortcut(p string) (bool, error) {
	l, err := s.getLoader(p)
	if err != nil {
		return false, err
	}

	src, ok, err := s.locate(l.fd.MD5)
	if err != nil || !ok {
		return false, err
	}

	if err := s.copyInto(src, l.tmp); err != nil {
		return false, errors.WithContext(err, "copy local contents")
	}
	return s.CheckWriteComplete(p)
}

func (s *FileSystem) copyInto(src, dst string) error {
	in, err := s.fs.Open(src)
	if err != nil {
		return errors.WithContext(err, "open source")
	}
	defer in.Close()

	out, err := s.fs.OpenFile(dst, os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.WithContext(err, "open loader file")
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// WriteFile writes `data` at `position` of the loader for `p`.
func (s *FileSystem) WriteFile(p string, data []byte, position int64) error {
	l, err := s.getLoader(p)
	if err != nil {
		return err
	}

	if position < 0 || position+int64(len(data)) > l.fd.FileSize {
		return errors.InvalidFieldError{Field: "position",
			Reason: fmt.Sprintf("range [%d, %d) is outside of the file", position, position+int64(len(data)))}
	}

	f, err := s.fs.OpenFile(l.tmp, os.O_WRONLY, 0644)
	if err != nil {
		return errors.WithContext(err, "open loader file")
	}
	defer f.Close()

	if _, err := f.WriteAt(data, position); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// CheckWriteComplete moves the loader for `p` into place if its contents hash
// to the expected MD5. It returns false if they don't yet.
func (s *FileSystem) CheckWriteComplete(p string) (bool, error) {
	l, err := s.getLoader(p)
	if err != nil {
		return false, err
	}

	hash, err := HashFile(s.fs, l.tmp)
	if err != nil {
		return false, errors.WithContext(err, "hash loader file")
	}
	if hash != l.fd.MD5 {
		return false, nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.loaders[l.path] != l {
		return false, errors.NewFriendlyError("the transfer for %q was cancelled", l.path)
	}

	if err := s.fs.Remove(l.dst); err != nil && !os.IsNotExist(err) {
		return false, errors.WithContext(err, "remove previous contents")
	}
	if err := s.fs.Rename(l.tmp, l.dst); err != nil {
		return false, errors.WithContext(err, "rename loader file")
	}

	mtime := time.Unix(0, l.fd.LastModified*int64(time.Millisecond))
	if err := s.fs.Chtimes(l.dst, mtime, mtime); err != nil {
		log.WithError(err).WithField("path", l.path).Debug("Failed to set modification time")
	}

	delete(s.loaders, l.path)
	s.addToIndex(l.fd.MD5, l.path)
	return true, nil
}

func (s *FileSystem) getLoader(p string) (*loader, error) {
	clean, ok := cleanPath(p)
	if !ok {
		return nil, errors.InvalidFieldError{Field: "pathName", Reason: fmt.Sprintf("%q is unsafe", p)}
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	l, ok := s.loaders[clean]
	if !ok {
		return nil, errors.NewFriendlyError("no transfer in progress for %q", clean)
	}
	return l, nil
}

func (s *FileSystem) removeLoaderFile(l *loader) {
	if err := s.fs.Remove(l.tmp); err != nil {
		log.WithError(err).WithField("path", l.tmp).Warn("Failed to clean up loader file")
	}
}
