// Package journal keeps a local record of the chunks uploaded per file, so an
// interrupted upload can resume against servers that cannot list the chunks
// they already store.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bitrise-io/go-chunkupload/upload/chunkupload"
	bolt "go.etcd.io/bbolt"
)

const (
	databaseFileName = "chunk-upload.db"
	// DefaultTTL is how long the chunks of an unfinished upload are remembered.
	DefaultTTL = 7 * 24 * time.Hour
)

// Buckets hierarchy:
//   - files
//   - <file hash>
//   - updated_at
//   - chunks
var (
	filesBucket  = []byte("files")
	chunksBucket = []byte("chunks")
	updatedAtKey = []byte("updated_at")
)

// Options configures a Journal.
type Options struct {
	// TTL is the age after which ClearExpired drops the records of a file.
	TTL time.Duration
	// Now is used as the clock when set.
	Now func() time.Time
}

// Journal is a bbolt database of uploaded chunks keyed by file hash.
type Journal struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time
}

// Open creates or opens the journal database in dir.
func Open(dir string, opts Options) (*Journal, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, databaseFileName), 0600, &bolt.Options{Timeout: 4 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(filesBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize journal: %w", err)
	}

	j := &Journal{db: db, ttl: opts.TTL, now: opts.Now}
	if j.ttl <= 0 {
		j.ttl = DefaultTTL
	}
	if j.now == nil {
		j.now = time.Now
	}
	return j, nil
}

// Close releases the database file.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores chunk as uploaded for the file with fileHash. A chunk recorded
// twice keeps the latest hash.
func (j *Journal) Record(fileHash string, chunk chunkupload.UploadedChunk) error {
	value, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk %d: %w", chunk.Index, err)
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		file, err := tx.Bucket(filesBucket).CreateBucketIfNotExists([]byte(fileHash))
		if err != nil {
			return fmt.Errorf("create bucket of %s: %w", fileHash, err)
		}
		chunks, err := file.CreateBucketIfNotExists(chunksBucket)
		if err != nil {
			return fmt.Errorf("create chunks bucket of %s: %w", fileHash, err)
		}

		if err := chunks.Put(indexKey(chunk.Index), value); err != nil {
			return fmt.Errorf("put chunk %d: %w", chunk.Index, err)
		}
		return file.Put(updatedAtKey, []byte(j.now().UTC().Format(time.RFC3339Nano)))
	})
}

// UploadedChunks returns the chunks recorded for fileHash ordered by index.
func (j *Journal) UploadedChunks(fileHash string) ([]chunkupload.UploadedChunk, error) {
	var result []chunkupload.UploadedChunk
	err := j.db.View(func(tx *bolt.Tx) error {
		file := tx.Bucket(filesBucket).Bucket([]byte(fileHash))
		if file == nil {
			return nil
		}
		chunks := file.Bucket(chunksBucket)
		if chunks == nil {
			return nil
		}

		return chunks.ForEach(func(k, v []byte) error {
			var chunk chunkupload.UploadedChunk
			if err := json.Unmarshal(v, &chunk); err != nil {
				return fmt.Errorf("unmarshal chunk %d: %w", binary.BigEndian.Uint64(k), err)
			}
			result = append(result, chunk)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(a, b int) bool { return result[a].Index < result[b].Index })
	return result, nil
}

// Forget drops every record of fileHash.
func (j *Journal) Forget(fileHash string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(filesBucket).DeleteBucket([]byte(fileHash))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

// ClearExpired drops the files not updated within the TTL and returns their number.
func (j *Journal) ClearExpired() (int, error) {
	deadline := j.now().Add(-j.ttl)

	var removed int
	err := j.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(filesBucket)

		var expired [][]byte
		if err := files.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			updatedAt, err := time.Parse(time.RFC3339Nano, string(files.Bucket(k).Get(updatedAtKey)))
			if err != nil || updatedAt.Before(deadline) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}

		for _, k := range expired {
			if err := files.DeleteBucket(k); err != nil {
				return fmt.Errorf("delete %s: %w", k, err)
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}

func indexKey(index int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(index))
	return k
}
