package services

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/pi-docket/ConvertX-CN/models"
)

// Storage persists uploaded sources and conversion outputs. Every job owns
// one upload location and one output location, both keyed by owner and job id.
type Storage interface {
	UploadDir(owner, jobID string) string
	UploadPath(owner, jobID, filename string) string
	OutputPath(owner, jobID, filename string) string

	SaveUpload(ctx context.Context, owner, jobID, filename string, r io.Reader) (int64, error)
	OpenUpload(ctx context.Context, owner, jobID, filename string) (io.ReadCloser, error)
	SaveOutput(ctx context.Context, owner, jobID, filename string, r io.Reader) (int64, error)
	OpenOutput(ctx context.Context, owner, jobID, filename string) (io.ReadCloser, error)

	// RemoveJob deletes everything stored for the job and returns the number
	// of bytes freed. Removing a job that has nothing stored is not an error.
	RemoveJob(ctx context.Context, owner, jobID string) (int64, error)
}

// ownerSegment turns an owner id into a single safe path element.
func ownerSegment(owner string) string {
	switch owner {
	case "":
		return "_"
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}
	return url.PathEscape(owner)
}

// fileSegment keeps only the final element of a client supplied filename.
func fileSegment(filename string) string {
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." {
		return "file"
	}
	return name
}

type LocalStorage struct {
	uploadRoot string
	outputRoot string
}

func NewLocalStorage(uploadRoot, outputRoot string) *LocalStorage {
	return &LocalStorage{uploadRoot: uploadRoot, outputRoot: outputRoot}
}

func (s *LocalStorage) UploadDir(owner, jobID string) string {
	return filepath.Join(s.uploadRoot, ownerSegment(owner), jobID)
}

func (s *LocalStorage) outputDir(owner, jobID string) string {
	return filepath.Join(s.outputRoot, ownerSegment(owner), jobID)
}

func (s *LocalStorage) UploadPath(owner, jobID, filename string) string {
	return filepath.Join(s.UploadDir(owner, jobID), fileSegment(filename))
}

func (s *LocalStorage) OutputPath(owner, jobID, filename string) string {
	return filepath.Join(s.outputDir(owner, jobID), fileSegment(filename))
}

func (s *LocalStorage) SaveUpload(ctx context.Context, owner, jobID, filename string, r io.Reader) (int64, error) {
	return writeFile(ctx, s.UploadPath(owner, jobID, filename), r)
}

func (s *LocalStorage) OpenUpload(ctx context.Context, owner, jobID, filename string) (io.ReadCloser, error) {
	return openFile(s.UploadPath(owner, jobID, filename))
}

func (s *LocalStorage) SaveOutput(ctx context.Context, owner, jobID, filename string, r io.Reader) (int64, error) {
	return writeFile(ctx, s.OutputPath(owner, jobID, filename), r)
}

func (s *LocalStorage) OpenOutput(ctx context.Context, owner, jobID, filename string) (io.ReadCloser, error) {
	return openFile(s.OutputPath(owner, jobID, filename))
}

func (s *LocalStorage) RemoveJob(ctx context.Context, owner, jobID string) (int64, error) {
	var freed int64
	var errs []error
	for _, dir := range []string{s.UploadDir(owner, jobID), s.outputDir(owner, jobID)} {
		size, err := dirSize(dir)
		if err != nil {
			errs = append(errs, &models.StorageError{Op: "stat", Path: dir, Err: err})
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, &models.StorageError{Op: "remove", Path: dir, Err: err})
			continue
		}
		freed += size
		// The owner directory is left behind once empty; Remove fails harmlessly otherwise.
		_ = os.Remove(filepath.Dir(dir))
	}
	return freed, errors.Join(errs...)
}

// ctxReader stops a copy once ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func writeFile(ctx context.Context, path string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, &models.StorageError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, &models.StorageError{Op: "create", Path: path, Err: err}
	}
	n, err := io.Copy(file, ctxReader{ctx: ctx, r: r})
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, &models.StorageError{Op: "write", Path: path, Err: err}
	}
	return n, nil
}

func openFile(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &models.StorageError{Op: "open", Path: path, Err: err}
	}
	return file, nil
}

func dirSize(dir string) (int64, error) {
	var size int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return size, err
}
