package model

// MessageType classifies a mailbox message.
type MessageType string

const (
	MessageTaskAssigned   MessageType = "task_assigned"
	MessageModelSwitch    MessageType = "model_switch"
	MessageReportReceived MessageType = "report_received"
	MessageInfo           MessageType = "info"
)

// Message is a single mailbox entry. Once appended it is never mutated
// except for the Read flag, which only transitions false → true.
type Message struct {
	ID        string      `yaml:"id"`
	From      string      `yaml:"from"`
	Type      MessageType `yaml:"type"`
	Content   string      `yaml:"content"`
	Read      bool        `yaml:"read"`
	Timestamp string      `yaml:"timestamp"`
}

// Mailbox is the on-disk document for one worker's message log.
// Message order is insertion order.
type Mailbox struct {
	SchemaVersion int       `yaml:"schema_version"`
	FileType      string    `yaml:"file_type"`
	WorkerID      string    `yaml:"worker_id"`
	Messages      []Message `yaml:"messages"`
}

// UnreadCount counts messages whose Read flag is still false.
func (m *Mailbox) UnreadCount() int {
	n := 0
	for _, msg := range m.Messages {
		if !msg.Read {
			n++
		}
	}
	return n
}
