// Package history keeps a bbolt record of mount lifecycle operations.
//
// The store is informational: it feeds mount age in diagnostics and the
// operator's history listing. Mount state is never decided from it.
package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"wimctl/pathres"
)

// Bucket names
const (
	BucketOperations = "operations"
	BucketMounts     = "mounts"
)

// openTimeout bounds waiting for another process holding the file lock.
const openTimeout = 2 * time.Second

// DB wraps a bbolt database of operation records.
type DB struct {
	db   *bolt.DB
	path string
}

// OperationRecord describes one completed operation.
type OperationRecord struct {
	ID        string    `json:"id"`
	Op        string    `json:"op"`
	BuildDir  string    `json:"build_dir"`
	MountDir  string    `json:"mount_dir,omitempty"`
	Image     string    `json:"image,omitempty"`
	Commit    bool      `json:"commit,omitempty"`
	Success   bool      `json:"success"`
	Kind      string    `json:"kind,omitempty"`
	TiersUsed int       `json:"tiers_used"`
	ExitCode  int       `json:"exit_code"`
	Message   string    `json:"message"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Duration returns how long the operation ran.
func (r *OperationRecord) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// mountMark is stored per mount directory while an image is mounted.
type mountMark struct {
	OperationID string    `json:"operation_id"`
	Image       string    `json:"image"`
	Time        time.Time `json:"time"`
}

// OpenDB opens or creates the store at path, creating parent directories
// and the buckets as needed. The file is created with 0600 permissions.
//
// Example:
//
//	db, err := history.OpenDB(cfg.Database.Path)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func OpenDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &DatabaseError{Op: "create directory", Err: err}
	}

	bdb, err := bolt.Open(path, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, &DatabaseError{Op: "open", Err: err}
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{BucketOperations, BucketMounts} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return &DatabaseError{Op: "create bucket", Bucket: name, Err: err}
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	return &DB{db: bdb, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database. It is safe to call more than once.
func (db *DB) Close() error {
	if db.db == nil {
		return nil
	}
	err := db.db.Close()
	db.db = nil
	return err
}

// SaveRecord stores rec under its ID, replacing any previous version.
func (db *DB) SaveRecord(rec *OperationRecord) error {
	if db.db == nil {
		return ErrDatabaseNotOpen
	}
	if rec.ID == "" {
		return &ValidationError{Field: "record.ID", Err: ErrEmptyID}
	}
	if rec.BuildDir == "" {
		return &ValidationError{Field: "record.BuildDir", Err: ErrEmptyBuildDir}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return &RecordError{Op: "marshal", ID: rec.ID, Err: err}
	}

	err = db.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketOperations))
		if bucket == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketOperations, Err: ErrBucketNotFound}
		}
		return bucket.Put([]byte(rec.ID), data)
	})
	if err != nil {
		return &RecordError{Op: "save", ID: rec.ID, Err: err}
	}
	return nil
}

// GetRecord returns the record with the given ID.
func (db *DB) GetRecord(id string) (*OperationRecord, error) {
	if db.db == nil {
		return nil, ErrDatabaseNotOpen
	}
	if id == "" {
		return nil, &ValidationError{Field: "id", Err: ErrEmptyID}
	}

	var rec OperationRecord
	err := db.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketOperations))
		if bucket == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketOperations, Err: ErrBucketNotFound}
		}
		data := bucket.Get([]byte(id))
		if data == nil {
			return &RecordError{Op: "get", ID: id, Err: ErrRecordNotFound}
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListFor returns the records for buildDir, newest first. limit <= 0 means
// no limit. An empty buildDir lists every record.
func (db *DB) ListFor(buildDir string, limit int) ([]OperationRecord, error) {
	if db.db == nil {
		return nil, ErrDatabaseNotOpen
	}

	want := ""
	if buildDir != "" {
		want = pathres.Key(buildDir)
	}

	var records []OperationRecord
	err := db.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketOperations))
		if bucket == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketOperations, Err: ErrBucketNotFound}
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec OperationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return &RecordError{Op: "unmarshal", ID: string(k), Err: err}
			}
			if want == "" || pathres.Key(rec.BuildDir) == want {
				records = append(records, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartTime.After(records[j].StartTime)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// MarkMounted records that mountDir was mounted by operation id.
func (db *DB) MarkMounted(mountDir, image, id string, at time.Time) error {
	if db.db == nil {
		return ErrDatabaseNotOpen
	}
	data, err := json.Marshal(mountMark{OperationID: id, Image: image, Time: at})
	if err != nil {
		return &RecordError{Op: "marshal", ID: id, Err: err}
	}
	return db.update(BucketMounts, func(b *bolt.Bucket) error {
		return b.Put([]byte(pathres.Key(mountDir)), data)
	})
}

// ClearMounted forgets the mount mark for mountDir.
func (db *DB) ClearMounted(mountDir string) error {
	if db.db == nil {
		return ErrDatabaseNotOpen
	}
	return db.update(BucketMounts, func(b *bolt.Bucket) error {
		return b.Delete([]byte(pathres.Key(mountDir)))
	})
}

// LastMount returns when mountDir was last mounted through wimctl.
func (db *DB) LastMount(mountDir string) (time.Time, bool) {
	if db.db == nil {
		return time.Time{}, false
	}
	var mark mountMark
	found := false
	db.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketMounts))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(pathres.Key(mountDir)))
		if data == nil {
			return nil
		}
		if json.Unmarshal(data, &mark) == nil {
			found = true
		}
		return nil
	})
	return mark.Time, found
}

func (db *DB) update(bucket string, fn func(*bolt.Bucket) error) error {
	err := db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return &DatabaseError{Op: "get bucket", Bucket: bucket, Err: ErrBucketNotFound}
		}
		return fn(b)
	})
	if err != nil {
		return &DatabaseError{Op: "update", Bucket: bucket, Err: err}
	}
	return nil
}
