// Package cache owns the on-disk layout of the mirror. Every path under the
// cache root is derived here and every filesystem failure is reported as a
// base.CacheIOError naming the path involved.
package cache

import (
	"bytes"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"aaronromeo.com/himalayacache/pkg/base"
	"aaronromeo.com/himalayacache/pkg/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	dirPerm  os.FileMode = 0o755
	filePerm os.FileMode = 0o644
)

type Store struct {
	root string
	fs   utils.FileManager
}

type StoreOption func(*Store)

func WithFileManager(fm utils.FileManager) StoreOption {
	return func(s *Store) {
		s.fs = fm
	}
}

func NewStore(root string, opts ...StoreOption) *Store {
	s := &Store{root: filepath.Clean(root), fs: utils.OSFileManager{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) AccountsPath() string {
	return filepath.Join(s.root, base.AccountsFile)
}

func (s *Store) FoldersPath(account string) string {
	return filepath.Join(s.root, base.FoldersDir, account+base.JSONExt)
}

func (s *Store) EnvelopesPath(account, folder string) string {
	return filepath.Join(s.root, base.EnvelopesDir, account, folder+base.JSONExt)
}

func (s *Store) MetaDir(account, folder string) string {
	return filepath.Join(s.root, base.MetaDir, account, folder)
}

func (s *Store) MetaPath(account, folder, id string) string {
	return filepath.Join(s.MetaDir(account, folder), id+base.JSONExt)
}

func (s *Store) MessagesDir(account, folder string) string {
	return filepath.Join(s.root, base.MessagesDir, account, folder)
}

func (s *Store) MessagePath(account, folder, id string) string {
	return filepath.Join(s.MessagesDir(account, folder), id+base.MessageExt)
}

// CheckName rejects a name that is empty, absolute, or steps out of its
// directory. Only folders may nest with "/".
func CheckName(kind, name string, nested bool) error {
	invalid := &base.InvalidNameError{Kind: kind, Name: name}
	if name == "" || filepath.IsAbs(name) {
		return invalid
	}
	separators := "/" + string(filepath.Separator)
	if !nested && strings.ContainsAny(name, separators) {
		return invalid
	}
	for _, segment := range strings.FieldsFunc(name, func(r rune) bool { return strings.ContainsRune(separators, r) }) {
		if segment == "." || segment == ".." {
			return invalid
		}
	}
	if strings.HasSuffix(name, "/") || strings.Contains(name, "//") {
		return invalid
	}
	return nil
}

// EnsureRoot creates the cache root if needed.
func (s *Store) EnsureRoot() error {
	if err := s.fs.MkdirAll(s.root, dirPerm); err != nil {
		return &base.CacheIOError{Op: "create cache directory", Path: s.root, Err: err}
	}
	return nil
}

// WriteRecord stores v as indented JSON, replacing any previous file.
func (s *Store) WriteRecord(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return &base.CacheIOError{Op: "encode", Path: path, Err: err}
	}
	return s.WriteBytes(path, bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}

// WriteBytes stores data at path. The content lands under a temporary name
// first so a reader never observes a partially written file.
func (s *Store) WriteBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, dirPerm); err != nil {
		return &base.CacheIOError{Op: "create directory", Path: dir, Err: err}
	}

	tmp := path + ".tmp-" + uuid.NewString()
	if err := s.fs.WriteFile(tmp, data, filePerm); err != nil {
		return &base.CacheIOError{Op: "write", Path: path, Err: err}
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return &base.CacheIOError{Op: "write", Path: path, Err: err}
	}
	return nil
}

func (s *Store) Exists(path string) bool {
	_, err := s.fs.Stat(path)
	return err == nil
}

// ReadBytes returns the file contents. A missing file yields an error
// matching base.ErrNotFound.
func (s *Store) ReadBytes(path string) ([]byte, error) {
	data, err := s.fs.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, base.NotFound("file", path)
		}
		return nil, &base.CacheIOError{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

func (s *Store) ReadText(path string) (string, error) {
	data, err := s.ReadBytes(path)
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(data), "\uFFFD"), nil
}

// ReadDir lists a directory under the cache root.
func (s *Store) ReadDir(path string) ([]fs.DirEntry, error) {
	entries, err := s.fs.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, base.NotFound("directory", path)
		}
		return nil, &base.CacheIOError{Op: "read directory", Path: path, Err: err}
	}
	return entries, nil
}

func (s *Store) WriteAccounts(accounts []base.Account) error {
	return s.WriteRecord(s.AccountsPath(), accounts)
}

func (s *Store) WriteFolders(account string, folders []base.Folder) error {
	return s.WriteRecord(s.FoldersPath(account), folders)
}

func (s *Store) WriteEnvelopes(account, folder string, envelopes []base.Envelope) error {
	return s.WriteRecord(s.EnvelopesPath(account, folder), envelopes)
}

func (s *Store) WriteMeta(account, folder string, envelope base.Envelope) error {
	return s.WriteRecord(s.MetaPath(account, folder, envelope.ID), envelope)
}

func (s *Store) WriteMessage(account, folder, id string, body []byte) error {
	return s.WriteBytes(s.MessagePath(account, folder, id), body)
}

func (s *Store) HasMessage(account, folder, id string) bool {
	return s.Exists(s.MessagePath(account, folder, id))
}
