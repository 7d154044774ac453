// Package bridge converts inbound external notifications into mailbox
// entries and echoes an acknowledgment back over the same channel.
//
// The acknowledgment is delivered over the channel the bridge itself
// observes, so loop prevention is mandatory: every ack carries the
// outbound tag, and any event carrying that tag is dropped before it can
// reach a mailbox.
package bridge

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/msageha/conductor/internal/model"
)

// SystemMailbox is the fixed owner mailbox inbound messages land in.
const SystemMailbox = "orchestrator"

// TagOutbound marks an event as originating from this system's own
// acknowledgment.
const TagOutbound = "outbound"

// EventKindMessage is the only actionable event kind; others (keepalives,
// open/close markers) are ignored.
const EventKindMessage = "message"

// ExternalEvent is one notification observed on the external channel.
type ExternalEvent struct {
	Kind      string   `json:"event"`
	ID        string   `json:"id"`
	Timestamp int64    `json:"time"`
	Content   string   `json:"message"`
	Tags      []string `json:"tags"`
}

// HasTag reports whether the event carries the given tag.
func (e ExternalEvent) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Appender is the mailbox surface the bridge writes through.
type Appender interface {
	Append(workerID string, msg model.Message) error
}

// Publisher sends an acknowledgment over the external channel. The
// outbound tag must travel with it so the bridge can drop its own echo.
type Publisher interface {
	Publish(content string, tags []string) error
}

// Bridge wires the external channel into the system-owner mailbox.
type Bridge struct {
	store     Appender
	publisher Publisher
	ackPrefix string
	logger    *log.Logger
}

// New creates a Bridge. publisher may be nil, in which case delivery still
// happens but no acknowledgments are sent.
func New(store Appender, publisher Publisher, ackPrefix string, logWriter io.Writer) *Bridge {
	if ackPrefix == "" {
		ackPrefix = "received: "
	}
	if logWriter == nil {
		logWriter = io.Discard
	}
	return &Bridge{
		store:     store,
		publisher: publisher,
		ackPrefix: ackPrefix,
		logger:    log.New(logWriter, "", 0),
	}
}

// OnEvent processes one observed event.
//
// Ordering is strict: the mailbox append must succeed before any
// acknowledgment is attempted. A failed append means no ack and no further
// processing; a failed ack does not roll back the append — the inbound
// message is already delivered.
func (b *Bridge) OnEvent(ev ExternalEvent) error {
	if ev.Kind != EventKindMessage {
		b.log("event_skipped kind=%s id=%s", ev.Kind, ev.ID)
		return nil
	}
	if strings.TrimSpace(ev.Content) == "" {
		b.log("event_skipped reason=empty_content id=%s", ev.ID)
		return nil
	}
	if ev.HasTag(TagOutbound) {
		b.log("event_dropped reason=own_echo id=%s", ev.ID)
		return nil
	}

	err := b.store.Append(SystemMailbox, model.Message{
		From:    "bridge",
		Type:    model.MessageInfo,
		Content: ev.Content,
	})
	if err != nil {
		b.log("append_failed id=%s error=%v", ev.ID, err)
		return fmt.Errorf("deliver external message: %w", err)
	}
	b.log("message_delivered id=%s", ev.ID)

	if b.publisher == nil {
		return nil
	}
	// Content passes through verbatim: no escaping, special characters
	// included, so the sender sees exactly what was received.
	if err := b.publisher.Publish(b.ackPrefix+ev.Content, []string{TagOutbound}); err != nil {
		b.log("ack_failed id=%s error=%v", ev.ID, err)
	}
	return nil
}

// Drain processes a batch of polled events in order and returns the id to
// poll from next. The cursor only moves past an event once OnEvent handled
// it: filtered events (wrong kind, empty content, own echo) advance it, but
// a failed mailbox append stops the drain so the event is fetched again on
// the next poll instead of being dropped.
func (b *Bridge) Drain(events []ExternalEvent, sinceID string) string {
	for _, ev := range events {
		if err := b.OnEvent(ev); err != nil {
			b.log("event_retry id=%s error=%v", ev.ID, err)
			return sinceID
		}
		if ev.ID != "" {
			sinceID = ev.ID
		}
	}
	return sinceID
}

func (b *Bridge) log(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	b.logger.Printf("%s INFO bridge: %s", time.Now().Format(time.RFC3339), msg)
}
