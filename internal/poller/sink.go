package poller

import (
	"fmt"
	"io"

	"fastmail-tools/internal/models"
)

// Sink receives each newly observed message exactly where the caller wants
// it recorded. Emit must be durable before it returns; the poller only
// advances its cursor past messages the sink accepted.
type Sink interface {
	Emit(msg models.Message) error
}

const recordTimeFormat = "Mon Jan 02 15:04:05 2006"

// FileSink appends human-readable message records to a writer, mbox-style.
// names maps mailbox ids to display names; unknown ids fall back to the
// raw id.
type FileSink struct {
	w     io.Writer
	names map[string]string
}

func NewFileSink(w io.Writer, names map[string]string) *FileSink {
	return &FileSink{w: w, names: names}
}

func (s *FileSink) Emit(msg models.Message) error {
	sender := msg.Sender
	if sender == "" {
		sender = "unknown"
	}
	subject := msg.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	folder := msg.FolderID
	if folder == "" {
		folder = "unknown"
	}
	if display, ok := s.names[msg.FolderID]; ok {
		folder = display
	}

	_, err := fmt.Fprintf(s.w, "From %s  <%s>\n Subject: %s\n  Folder: %s\t%d\n",
		sender, msg.ReceivedAt.Local().Format(recordTimeFormat), subject, folder, msg.Size)
	return err
}

// Comment writes a marker line that is not a message record.
func (s *FileSink) Comment(text string) error {
	_, err := fmt.Fprintf(s.w, "# %s\n", text)
	return err
}
