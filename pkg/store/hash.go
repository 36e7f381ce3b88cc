package store

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"

	"github.com/sidkik/peersync/pkg/errors"
)

// HashFile returns the hex encoded MD5 of the file at the given path.
func HashFile(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	hasher := md5.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", errors.WithContext(err, "read")
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// hash is HashFile with a cache in front of it. Entries are keyed by size and
// modification time so that a rewritten file is hashed again.
func (s *FileSystem) hash(path string, fi os.FileInfo) (string, error) {
	key := fmt.Sprintf("%s|%d|%d", path, fi.Size(), fi.ModTime().UnixNano())
	if cached, ok := s.hashes.Get(key); ok {
		return cached.(string), nil
	}

	hash, err := HashFile(s.fs, path)
	if err != nil {
		return "", err
	}
	s.hashes.Add(key, hash)
	return hash, nil
}
