package models

import (
	"strings"
	"time"
)

// Message represents a normalized email record fetched over JMAP
type Message struct {
	ID         string
	ReceivedAt time.Time
	Sender     string
	Subject    string
	FolderID   string
	Size       int64
	Headers    map[string]string
	BodyHTML   string
	BodyText   string
}

// Header returns the raw value for the given header name, matched case-insensitively
func (m *Message) Header(name string) string {
	return m.Headers[strings.ToLower(name)]
}
