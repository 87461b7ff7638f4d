package filesystem

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chunkxfer/internal/config"
	"chunkxfer/internal/errors"
)

// FileInfo represents information about a file to be transferred
type FileInfo struct {
	Name     string
	Size     int64
	Path     string
	IsDir    bool
	Modified time.Time
}

// GetFileInfo returns information about a file
func GetFileInfo(path string) (*FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, errors.NewFileSystemError("stat", path, err)
	}

	return &FileInfo{
		Name:     stat.Name(),
		Size:     stat.Size(),
		Path:     path,
		IsDir:    stat.IsDir(),
		Modified: stat.ModTime(),
	}, nil
}

// ReadSource loads a regular file fully into memory. The returned slice is
// meant to be shared read-only by every session serving it.
func ReadSource(path string) (*FileInfo, []byte, error) {
	info, err := GetFileInfo(path)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir {
		return nil, nil, errors.NewValidationError("file_path", path, "cannot serve a directory")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.NewFileSystemError("read", path, err)
	}
	info.Size = int64(len(data))
	return info, data, nil
}

// SafeOutputName reduces a peer-supplied file name to a single path element
// that cannot escape the output directory.
func SafeOutputName(name string) (string, error) {
	base := filepath.Base(filepath.Clean(strings.ReplaceAll(name, "\\", "/")))
	switch base {
	case "", ".", "..", "/":
		return "", errors.NewValidationError("file_name", name, "no usable file name")
	}
	return base, nil
}

// OutputFile stages received data in a partial file next to its final path
// and only moves it into place on Commit.
type OutputFile struct {
	file  *os.File
	final string
	done  bool
}

// CreateOutputFile opens <path>.part for writing, creating parent
// directories as needed.
func CreateOutputFile(path string) (*OutputFile, error) {
	if err := EnsureDirectoryExists(filepath.Dir(path)); err != nil {
		return nil, err
	}

	partial := path + config.PartialFileExt
	file, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, config.OutputFilePerms)
	if err != nil {
		return nil, errors.NewFileSystemError("create", partial, err)
	}
	return &OutputFile{file: file, final: path}, nil
}

// Write implements io.Writer.
func (o *OutputFile) Write(p []byte) (int, error) {
	return o.file.Write(p)
}

// Path returns the final location of the file.
func (o *OutputFile) Path() string {
	return o.final
}

// Commit syncs the partial file and renames it to its final path.
func (o *OutputFile) Commit() error {
	if o.done {
		return nil
	}
	o.done = true

	if err := o.file.Sync(); err != nil {
		o.file.Close()
		os.Remove(o.file.Name())
		return errors.NewFileSystemError("sync", o.file.Name(), err)
	}
	if err := o.file.Close(); err != nil {
		os.Remove(o.file.Name())
		return errors.NewFileSystemError("close", o.file.Name(), err)
	}
	if err := os.Rename(o.file.Name(), o.final); err != nil {
		os.Remove(o.file.Name())
		return errors.NewFileSystemError("rename", o.final, err)
	}
	return nil
}

// Abort discards the partial file. It is a no-op after Commit.
func (o *OutputFile) Abort() {
	if o.done {
		return
	}
	o.done = true

	o.file.Close()
	if err := os.Remove(o.file.Name()); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove partial file", "path", o.file.Name(), "error", err)
	}
}

// PreallocateFile reserves size bytes for the output and rewinds it.
func PreallocateFile(file *os.File, size int64) error {
	if err := file.Truncate(size); err != nil {
		return errors.NewFileSystemError("truncate", file.Name(), err)
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return errors.NewFileSystemError("seek", file.Name(), err)
	}

	return nil
}

// Preallocate reserves space for the staged file.
func (o *OutputFile) Preallocate(size int64) error {
	return PreallocateFile(o.file, size)
}

// CalculateHash returns the hex MD5 digest of data. It is logged on both
// ends so operators can compare copies by eye; the protocol never sends it.
func CalculateHash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// HashingWriter computes an MD5 digest of everything written through it.
type HashingWriter struct {
	w io.Writer
	h hash.Hash
}

// NewHashingWriter wraps w.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{w: w, h: md5.New()}
}

func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.h.Write(p[:n])
	return n, err
}

// Sum returns the hex digest of the bytes written so far.
func (hw *HashingWriter) Sum() string {
	return hex.EncodeToString(hw.h.Sum(nil))
}

// EnsureDirectoryExists creates a directory if it doesn't exist. dir comes
// from the operator and may point anywhere; names received from a peer go
// through SafeOutputName first.
func EnsureDirectoryExists(dir string) error {
	if err := os.MkdirAll(dir, config.LogDirPerms); err != nil {
		return errors.NewFileSystemError("mkdir", dir, err)
	}

	return nil
}
