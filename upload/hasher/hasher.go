// Package hasher computes the content digests used to identify chunks and files.
package hasher

import (
	"context"
	"crypto/md5"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/opencontainers/go-digest"
)

// SectionSize is the read granularity of whole-file hashing.
const SectionSize = 64 * 1024 * 1024

// Hasher turns a byte stream into a hex encoded digest.
type Hasher interface {
	HashReader(r io.Reader) (string, error)
}

// MD5 is the default hasher. Its digests match the part ETags reported by
// S3 and OSS for single part uploads.
type MD5 struct{}

func (MD5) HashReader(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Digest hashes with one of the go-digest algorithms.
type Digest struct {
	Algorithm digest.Algorithm
}

func (d Digest) HashReader(r io.Reader) (string, error) {
	if !d.Algorithm.Available() {
		return "", fmt.Errorf("digest algorithm %q is not available", d.Algorithm)
	}

	dgst, err := d.Algorithm.FromReader(r)
	if err != nil {
		return "", err
	}
	return dgst.Encoded(), nil
}

// ForName returns the hasher registered under name: md5, sha256 or sha512.
func ForName(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "md5":
		return MD5{}, nil
	case string(digest.SHA256):
		return Digest{Algorithm: digest.SHA256}, nil
	case string(digest.SHA512):
		return Digest{Algorithm: digest.SHA512}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", name)
	}
}

// HashRange hashes size bytes of r starting at offset.
func HashRange(h Hasher, r io.ReaderAt, offset, size int64) (string, error) {
	return h.HashReader(io.NewSectionReader(r, offset, size))
}

// HashFile hashes the first size bytes of r, reading SectionSize bytes at a
// time and stopping between sections when ctx is done.
func HashFile(ctx context.Context, h Hasher, r io.ReaderAt, size int64) (string, error) {
	return h.HashReader(&sectionReader{ctx: ctx, r: r, size: size})
}

type sectionReader struct {
	ctx    context.Context
	r      io.ReaderAt
	size   int64
	offset int64
}

func (s *sectionReader) Read(p []byte) (int, error) {
	if s.offset >= s.size {
		return 0, io.EOF
	}
	if s.offset%SectionSize == 0 {
		if err := s.ctx.Err(); err != nil {
			return 0, err
		}
	}

	// Reads never cross a section boundary.
	limit := SectionSize - s.offset%SectionSize
	if rest := s.size - s.offset; rest < limit {
		limit = rest
	}
	if int64(len(p)) > limit {
		p = p[:limit]
	}

	n, err := s.r.ReadAt(p, s.offset)
	s.offset += int64(n)
	if err == io.EOF {
		if s.offset < s.size {
			return n, io.ErrUnexpectedEOF
		}
		err = nil
	}
	return n, err
}
