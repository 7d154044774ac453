// Package mailbox implements the durable per-worker message store.
//
// Each worker owns one YAML mailbox file. Mutations (Append, MarkAllRead)
// take the worker's file lock with a bounded wait and rewrite the file
// atomically, so a concurrent reader never observes a partially written
// mailbox. Reads (UnreadCount, Unread) are lock-free best-effort snapshots;
// consumers re-poll rather than assuming a single authoritative read.
package mailbox

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/lock"
	"github.com/msageha/conductor/internal/model"
	yamlutil "github.com/msageha/conductor/internal/yaml"
)

// DefaultLockTimeout bounds the wait for a mailbox lock.
const DefaultLockTimeout = 10 * time.Second

// Store provides mailbox access rooted at a conductor directory.
type Store struct {
	conductorDir string
	lockTimeout  time.Duration
	mu           *lock.MutexMap
}

// NewStore creates a Store. A non-positive lockTimeout selects the default.
func NewStore(conductorDir string, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Store{
		conductorDir: conductorDir,
		lockTimeout:  lockTimeout,
		mu:           lock.NewMutexMap(),
	}
}

func (s *Store) mailPath(workerID string) string {
	return filepath.Join(s.conductorDir, "mail", workerID+".yaml")
}

func (s *Store) lockPath(workerID string) string {
	return filepath.Join(s.conductorDir, "locks", workerID+".mail.lock")
}

// Append adds a message to the worker's mailbox with read=false, creating
// the mailbox lazily on first write. On any failure the on-disk mailbox is
// exactly as it was before the call; lock.ErrTimeout signals contention.
func (s *Store) Append(workerID string, msg model.Message) error {
	release, err := s.acquire(workerID)
	if err != nil {
		return err
	}
	defer release()

	mb, err := s.load(workerID)
	if err != nil {
		return err
	}

	if msg.ID == "" {
		id, err := model.GenerateID(model.IDTypeMessage)
		if err != nil {
			return fmt.Errorf("generate message id: %w", err)
		}
		msg.ID = id
	}
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	msg.Read = false

	mb.Messages = append(mb.Messages, msg)
	return s.persist(workerID, mb)
}

// UnreadCount is a lock-free read of the number of unread messages.
// An absent or unreadable mailbox counts as empty.
func (s *Store) UnreadCount(workerID string) int {
	mb, err := s.snapshot(workerID)
	if err != nil {
		return 0
	}
	return mb.UnreadCount()
}

// Unread is a lock-free snapshot of the unread messages in insertion order.
func (s *Store) Unread(workerID string) []model.Message {
	mb, err := s.snapshot(workerID)
	if err != nil {
		return nil
	}
	var out []model.Message
	for _, msg := range mb.Messages {
		if !msg.Read {
			out = append(out, msg)
		}
	}
	return out
}

// All is a lock-free snapshot of every message in the mailbox.
func (s *Store) All(workerID string) []model.Message {
	mb, err := s.snapshot(workerID)
	if err != nil {
		return nil
	}
	return mb.Messages
}

// MarkAllRead flips every message's read flag to true under the same lock
// and atomic-rewrite discipline as Append. An empty or absent mailbox is a
// no-op, not an error.
func (s *Store) MarkAllRead(workerID string) error {
	release, err := s.acquire(workerID)
	if err != nil {
		return err
	}
	defer release()

	mb, err := s.load(workerID)
	if err != nil {
		return err
	}
	if len(mb.Messages) == 0 {
		return nil
	}

	changed := false
	for i := range mb.Messages {
		if !mb.Messages[i].Read {
			mb.Messages[i].Read = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.persist(workerID, mb)
}

// acquire takes the in-process mutex plus the flock for one worker's
// mailbox. The returned func releases both.
func (s *Store) acquire(workerID string) (func(), error) {
	if err := os.MkdirAll(filepath.Join(s.conductorDir, "locks"), 0755); err != nil {
		return nil, fmt.Errorf("ensure locks dir: %w", err)
	}

	s.mu.Lock(workerID)
	fl := lock.NewFileLock(s.lockPath(workerID))
	if err := fl.Acquire(s.lockTimeout); err != nil {
		s.mu.Unlock(workerID)
		return nil, fmt.Errorf("mailbox %s: %w", workerID, err)
	}
	return func() {
		_ = fl.Unlock()
		s.mu.Unlock(workerID)
	}, nil
}

// load reads the mailbox under the lock, creating an empty document when
// the file does not exist yet.
func (s *Store) load(workerID string) (*model.Mailbox, error) {
	path := s.mailPath(workerID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s.empty(workerID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mailbox %s: %w", workerID, err)
	}

	var mb model.Mailbox
	if err := yamlv3.Unmarshal(data, &mb); err != nil {
		return s.recoverCorrupt(workerID, path, err)
	}
	return &mb, nil
}

// recoverCorrupt runs under the worker's lock when the mailbox no longer
// parses. A corrupt file must not wedge the worker's mailbox forever:
// restore the last good backup when it still validates, otherwise move the
// file to quarantine and continue with an empty mailbox.
func (s *Store) recoverCorrupt(workerID, path string, parseErr error) (*model.Mailbox, error) {
	if err := yamlutil.RestoreFromBackup(path); err == nil {
		if err := yamlutil.ValidateSchemaHeader(path, yamlutil.FileTypeMailbox); err == nil {
			data, err := os.ReadFile(path)
			if err == nil {
				var mb model.Mailbox
				if err := yamlv3.Unmarshal(data, &mb); err == nil {
					return &mb, nil
				}
			}
		}
	}
	if err := yamlutil.Quarantine(s.conductorDir, path); err != nil {
		return nil, fmt.Errorf("mailbox %s corrupt (%v), quarantine failed: %w", workerID, parseErr, err)
	}
	return s.empty(workerID), nil
}

func (s *Store) empty(workerID string) *model.Mailbox {
	return &model.Mailbox{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeMailbox,
		WorkerID:      workerID,
	}
}

// snapshot reads the mailbox without any lock.
func (s *Store) snapshot(workerID string) (*model.Mailbox, error) {
	data, err := os.ReadFile(s.mailPath(workerID))
	if err != nil {
		return nil, err
	}
	var mb model.Mailbox
	if err := yamlv3.Unmarshal(data, &mb); err != nil {
		return nil, err
	}
	return &mb, nil
}

func (s *Store) persist(workerID string, mb *model.Mailbox) error {
	mb.SchemaVersion = yamlutil.CurrentSchemaVersion
	mb.FileType = yamlutil.FileTypeMailbox
	if mb.WorkerID == "" {
		mb.WorkerID = workerID
	}

	path := s.mailPath(workerID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("ensure mail dir: %w", err)
	}
	if err := yamlutil.WriteDocument(path, yamlutil.FileTypeMailbox, mb); err != nil {
		return fmt.Errorf("persist mailbox %s: %w", workerID, err)
	}
	return nil
}
