package mock

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemFileManager is an in-memory utils.FileManager. Errs injects a failure for
// any operation whose target path matches a key.
type MemFileManager struct {
	mu     sync.Mutex
	Files  map[string][]byte
	Dirs   map[string]os.FileMode
	Errs   map[string]error
	Writes map[string]int
}

func NewMemFileManager() *MemFileManager {
	return &MemFileManager{
		Files:  map[string][]byte{},
		Dirs:   map[string]os.FileMode{},
		Errs:   map[string]error{},
		Writes: map[string]int{},
	}
}

// Fail makes every later operation on path return err.
func (m *MemFileManager) Fail(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errs[filepath.Clean(path)] = err
}

// Put seeds a file and its parent directories.
func (m *MemFileManager) Put(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	m.mkdirs(filepath.Dir(path), 0o755)
	m.Files[path] = append([]byte(nil), data...)
}

// Get returns a copy of a stored file.
func (m *MemFileManager) Get(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.Files[filepath.Clean(path)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (m *MemFileManager) WriteCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Writes[filepath.Clean(path)]
}

func (m *MemFileManager) MkdirAll(path string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	if err := m.Errs[path]; err != nil {
		return &fs.PathError{Op: "mkdir", Path: path, Err: err}
	}
	m.mkdirs(path, perm)
	return nil
}

func (m *MemFileManager) mkdirs(path string, perm os.FileMode) {
	for p := path; ; p = filepath.Dir(p) {
		if _, ok := m.Dirs[p]; !ok {
			m.Dirs[p] = perm
		}
		if parent := filepath.Dir(p); parent == p {
			return
		}
	}
}

func (m *MemFileManager) WriteFile(filename string, data []byte, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	filename = filepath.Clean(filename)
	if err := m.Errs[filename]; err != nil {
		return &fs.PathError{Op: "write", Path: filename, Err: err}
	}
	if _, ok := m.Dirs[filepath.Dir(filename)]; !ok {
		return &fs.PathError{Op: "write", Path: filename, Err: fs.ErrNotExist}
	}
	m.Files[filename] = append([]byte(nil), data...)
	return nil
}

func (m *MemFileManager) ReadFile(filename string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	filename = filepath.Clean(filename)
	if err := m.Errs[filename]; err != nil {
		return nil, &fs.PathError{Op: "read", Path: filename, Err: err}
	}
	data, ok := m.Files[filename]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: filename, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), data...), nil
}

func (m *MemFileManager) ReadDir(name string) ([]fs.DirEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = filepath.Clean(name)
	if err := m.Errs[name]; err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	if _, ok := m.Dirs[name]; !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}

	seen := map[string]bool{}
	entries := []fs.DirEntry{}
	for path, data := range m.Files {
		if filepath.Dir(path) == name {
			entries = append(entries, memEntry{name: filepath.Base(path), size: int64(len(data))})
		}
	}
	for path := range m.Dirs {
		if path != name && filepath.Dir(path) == name && !seen[path] {
			seen[path] = true
			entries = append(entries, memEntry{name: filepath.Base(path), dir: true})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

func (m *MemFileManager) Stat(name string) (fs.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = filepath.Clean(name)
	if data, ok := m.Files[name]; ok {
		return memEntry{name: filepath.Base(name), size: int64(len(data))}, nil
	}
	if _, ok := m.Dirs[name]; ok {
		return memEntry{name: filepath.Base(name), dir: true}, nil
	}
	return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
}

func (m *MemFileManager) Rename(oldpath, newpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldpath, newpath = filepath.Clean(oldpath), filepath.Clean(newpath)
	if err := m.Errs[newpath]; err != nil {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: err}
	}
	data, ok := m.Files[oldpath]
	if !ok {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: fs.ErrNotExist}
	}
	delete(m.Files, oldpath)
	m.Files[newpath] = data
	m.Writes[newpath]++
	return nil
}

func (m *MemFileManager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = filepath.Clean(name)
	if _, ok := m.Files[name]; !ok {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
	}
	delete(m.Files, name)
	return nil
}

// Paths lists stored files under prefix, sorted.
func (m *MemFileManager) Paths(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := []string{}
	for path := range m.Files {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

type memEntry struct {
	name string
	size int64
	dir  bool
}

func (e memEntry) Name() string { return e.name }
func (e memEntry) IsDir() bool  { return e.dir }
func (e memEntry) Size() int64  { return e.size }

func (e memEntry) Type() fs.FileMode { return e.Mode().Type() }

func (e memEntry) Mode() fs.FileMode {
	if e.dir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}

func (e memEntry) Info() (fs.FileInfo, error) { return e, nil }
func (e memEntry) ModTime() time.Time         { return time.Time{} }
func (e memEntry) Sys() any                   { return nil }
