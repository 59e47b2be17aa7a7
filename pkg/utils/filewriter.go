package utils

import (
	"io/fs"
	"os"
)

type FileManager interface {
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadFile(filename string) ([]byte, error)
	ReadDir(name string) ([]fs.DirEntry, error)
	Stat(name string) (fs.FileInfo, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
}

type OSFileManager struct{}

func (OSFileManager) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (OSFileManager) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (OSFileManager) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func (OSFileManager) ReadDir(name string) ([]fs.DirEntry, error) {
	return os.ReadDir(name)
}

func (OSFileManager) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(name)
}

func (OSFileManager) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (OSFileManager) Remove(name string) error {
	return os.Remove(name)
}
