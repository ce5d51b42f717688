// Package blobstore implements the Storage Area (spec.md §4.1): a
// content-addressed blob store keyed by opaque UUID, sharded on disk the
// way the teacher's fs.ContentSpecMgr shards object FQNs by prefix
// (fs/content.go) rather than one flat directory per store.
package blobstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/pacsd/pacsd/apierror"
)

// Kind tags the logical role of a blob, spec.md §3 Attachment.kind.
type Kind string

const (
	KindDicom        Kind = "dicom"
	KindJSON         Kind = "json"
	KindSimplifiedJSON Kind = "simplified-json"
	KindThumbnail    Kind = "thumbnail"
)

// Area is the interface the rest of the core depends on (spec.md §4.1).
// A plugin-registered storage-area factory (spec.md §4.4) supplies an
// alternate implementation of this same interface.
type Area interface {
	Create(uuid string, data []byte, kind Kind) error
	Read(uuid string, kind Kind) ([]byte, error)
	Remove(uuid string, kind Kind) error
}

// FSArea is the default Area, a directory tree sharded two levels deep by
// the first four characters of the uuid (two per level) - the same depth-2 sharding
// idea as the teacher's FQN scheme in fs/content.go, adapted from
// bucket/object-name sharding to uuid sharding.
type FSArea struct {
	root string
}

func NewFSArea(root string) (*FSArea, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apierror.Wrap(apierror.CannotWriteFile, err, "cannot create storage directory %s", root)
	}
	return &FSArea{root: root}, nil
}

func (a *FSArea) path(uuid string, kind Kind) string {
	shard := uuid
	if len(shard) > 4 {
		shard = shard[:4]
	}
	dir := filepath.Join(a.root, shard[:2], shard[2:])
	return filepath.Join(dir, uuid+"."+string(kind))
}

// Create is write-once per (uuid, kind): an existing file is left untouched
// and reported as CannotWriteFile, since spec.md §3 treats a blob as
// immutable for the attachment's lifetime.
func (a *FSArea) Create(uuid string, data []byte, kind Kind) error {
	p := a.path(uuid, kind)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return apierror.Wrap(apierror.CannotWriteFile, err, "cannot create shard directory for %s", uuid)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return apierror.New(apierror.CannotWriteFile, "blob %s/%s already exists", uuid, kind)
		}
		if isDiskFull(err) {
			return apierror.Wrap(apierror.FullStorage, err, "storage area full writing %s", uuid)
		}
		return apierror.Wrap(apierror.CannotWriteFile, err, "cannot create blob %s/%s", uuid, kind)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(p)
		if isDiskFull(err) {
			return apierror.Wrap(apierror.FullStorage, err, "storage area full writing %s", uuid)
		}
		return apierror.Wrap(apierror.CannotWriteFile, err, "cannot write blob %s/%s", uuid, kind)
	}
	return nil
}

// Read returns the exact bytes previously passed to Create.
func (a *FSArea) Read(uuid string, kind Kind) ([]byte, error) {
	p := a.path(uuid, kind)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierror.New(apierror.UnknownResource, "unknown blob %s/%s", uuid, kind)
		}
		return nil, apierror.Wrap(apierror.InexistentFile, err, "cannot read blob %s/%s", uuid, kind)
	}
	return data, nil
}

// Remove is idempotent: removing a missing uuid never fails.
func (a *FSArea) Remove(uuid string, kind Kind) error {
	p := a.path(uuid, kind)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return apierror.Wrap(apierror.CannotWriteFile, err, "cannot remove blob %s/%s", uuid, kind)
	}
	return nil
}

// BlobRef names one file Walk found on disk, for the caller to cross-check
// against the index.
type BlobRef struct {
	UUID string
	Kind Kind
}

// Walk visits every blob file under the two-level shard tree, one
// goroutine per top-level shard directory (the same fan-out-per-bucket
// shape as a content-addressed store's startup reconciliation pass). fn
// is called concurrently from multiple goroutines and must be safe for
// that; Walk returns the first error fn or the filesystem walk reports.
func (a *FSArea) Walk(ctx context.Context, fn func(BlobRef) error) error {
	top, err := os.ReadDir(a.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apierror.Wrap(apierror.InexistentFile, err, "cannot list storage root %s", a.root)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range top {
		if !shard.IsDir() {
			continue
		}
		shardDir := filepath.Join(a.root, shard.Name())
		g.Go(func() error {
			return walkShard(gctx, shardDir, fn)
		})
	}
	return g.Wait()
}

func walkShard(ctx context.Context, shardDir string, fn func(BlobRef) error) error {
	return filepath.WalkDir(shardDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		name := d.Name()
		uuid, kind, ok := splitBlobName(name)
		if !ok {
			return nil
		}
		return fn(BlobRef{UUID: uuid, Kind: kind})
	})
}

// splitBlobName reverses the "uuid.kind" naming Create writes.
func splitBlobName(name string) (uuid string, kind Kind, ok bool) {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], Kind(name[idx+1:]), true
}

func isDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

// NoDicomArea wraps another Area and implements the StoreDicom=false
// configuration switch from spec.md §4.1: DICOM-kind writes are silently
// dropped, and DICOM-kind reads always report UnknownResource; every other
// kind passes through unchanged.
type NoDicomArea struct {
	Inner Area
}

func (a *NoDicomArea) Create(uuid string, data []byte, kind Kind) error {
	if kind == KindDicom {
		return nil
	}
	return a.Inner.Create(uuid, data, kind)
}

func (a *NoDicomArea) Read(uuid string, kind Kind) ([]byte, error) {
	if kind == KindDicom {
		return nil, apierror.New(apierror.UnknownResource, "DICOM storage disabled for %s", uuid)
	}
	return a.Inner.Read(uuid, kind)
}

func (a *NoDicomArea) Remove(uuid string, kind Kind) error {
	if kind == KindDicom {
		return nil
	}
	return a.Inner.Remove(uuid, kind)
}

// MD5 computes the content digest recorded on an Attachment row when
// StoreMD5ForAttachments is enabled (spec.md §3).
func MD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
