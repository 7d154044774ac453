package mailbox

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/lock"
	"github.com/msageha/conductor/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), 2*time.Second)
}

func TestAppendThenUnreadCount(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		err := s.Append("worker1", model.Message{
			From:    "orchestrator",
			Type:    model.MessageInfo,
			Content: "hello",
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, s.UnreadCount("worker1"))

	require.NoError(t, s.MarkAllRead("worker1"))
	assert.Equal(t, 0, s.UnreadCount("worker1"))

	// Appending after mark_all_read yields exactly one unread.
	require.NoError(t, s.Append("worker1", model.Message{
		From: "orchestrator", Type: model.MessageInfo, Content: "again",
	}))
	assert.Equal(t, 1, s.UnreadCount("worker1"))
}

func TestUnreadCount_AbsentMailbox(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, 0, s.UnreadCount("nobody"))
	assert.Nil(t, s.Unread("nobody"))
}

func TestMarkAllRead_AbsentMailboxIsNoop(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.MarkAllRead("nobody"))
}

func TestAppend_AssignsIDAndTimestamp(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Append("worker1", model.Message{
		From: "orchestrator", Type: model.MessageTaskAssigned, Content: "do the thing",
	}))

	msgs := s.All("worker1")
	require.Len(t, msgs, 1)
	assert.True(t, model.ValidateID(msgs[0].ID), "message id %q should validate", msgs[0].ID)
	assert.NotEmpty(t, msgs[0].Timestamp)
	assert.False(t, msgs[0].Read)
}

func TestAppend_PreservesInsertionOrder(t *testing.T) {
	s := newTestStore(t)

	contents := []string{"first", "second", "third"}
	for _, c := range contents {
		require.NoError(t, s.Append("worker1", model.Message{
			From: "orchestrator", Type: model.MessageInfo, Content: c,
		}))
	}

	msgs := s.All("worker1")
	require.Len(t, msgs, 3)
	for i, c := range contents {
		assert.Equal(t, c, msgs[i].Content)
	}
}

func TestUnread_ReturnsOnlyUnread(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Append("worker1", model.Message{Content: "old", Type: model.MessageInfo}))
	require.NoError(t, s.MarkAllRead("worker1"))
	require.NoError(t, s.Append("worker1", model.Message{Content: "new", Type: model.MessageInfo}))

	unread := s.Unread("worker1")
	require.Len(t, unread, 1)
	assert.Equal(t, "new", unread[0].Content)

	all := s.All("worker1")
	assert.Len(t, all, 2)
}

func TestAppend_LockTimeout(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 300*time.Millisecond)

	// Hold the worker's mail flock from "another process".
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "locks"), 0755))
	holder := lock.NewFileLock(filepath.Join(dir, "locks", "worker1.mail.lock"))
	require.NoError(t, holder.TryLock())
	defer holder.Unlock()

	err := s.Append("worker1", model.Message{Content: "blocked", Type: model.MessageInfo})
	require.Error(t, err)
	assert.True(t, errors.Is(err, lock.ErrTimeout), "expected ErrTimeout, got %v", err)

	// No partial state: the mailbox file must not exist.
	_, statErr := os.Stat(filepath.Join(dir, "mail", "worker1.yaml"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestAppend_ConcurrentWriters(t *testing.T) {
	s := newTestStore(t)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Append("worker1", model.Message{
				From: "orchestrator", Type: model.MessageInfo, Content: "concurrent",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, writers, s.UnreadCount("worker1"))
}

func TestMailboxesAreIndependent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Append("worker1", model.Message{Content: "a", Type: model.MessageInfo}))
	require.NoError(t, s.Append("worker2", model.Message{Content: "b", Type: model.MessageInfo}))
	require.NoError(t, s.MarkAllRead("worker1"))

	assert.Equal(t, 0, s.UnreadCount("worker1"))
	assert.Equal(t, 1, s.UnreadCount("worker2"))
}

func TestAppend_QuarantinesCorruptMailbox(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 2*time.Second)

	path := filepath.Join(dir, "mail", "worker1.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("][ not yaml"), 0644))

	err := s.Append("worker1", model.Message{
		From: "orchestrator", Type: model.MessageInfo, Content: "after corruption",
	})
	require.NoError(t, err, "a corrupt mailbox must not wedge the worker")

	unread := s.Unread("worker1")
	require.Len(t, unread, 1)
	assert.Equal(t, "after corruption", unread[0].Content)

	entries, err := os.ReadDir(filepath.Join(dir, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAppend_RestoresCorruptMailboxFromBackup(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 2*time.Second)

	require.NoError(t, s.Append("worker1", model.Message{From: "a", Type: model.MessageInfo, Content: "first"}))
	require.NoError(t, s.Append("worker1", model.Message{From: "a", Type: model.MessageInfo, Content: "second"}))

	// Corrupt the live file. The .bak written by the second append still
	// holds the first message and must be restored instead of quarantined.
	path := filepath.Join(dir, "mail", "worker1.yaml")
	require.NoError(t, os.WriteFile(path, []byte("][ not yaml"), 0644))

	require.NoError(t, s.Append("worker1", model.Message{From: "a", Type: model.MessageInfo, Content: "third"}))

	var contents []string
	for _, m := range s.All("worker1") {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"first", "third"}, contents)
}
