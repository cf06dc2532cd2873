package jmap

import (
	"net/url"
	"time"

	"fastmail-tools/internal/models"
)

// Client is the JMAP surface the tools consume
type Client interface {
	Bootstrap() error
	FetchMessagesSince(cursor models.Cursor, limit int) ([]models.Message, error)
	FetchRecent(limit int) ([]models.Message, error)
	FetchLatestFromSender(sender, recipient string) (*models.Message, error)
	FetchFromSender(sender, folderID string, limit int) ([]models.Message, error)
	QueryAddresses(after time.Time, position int) (AddressPage, error)
	Mailboxes() (map[string]string, error)
	MailboxIDByRole(role string) (string, error)
	MoveMessages(ids []string, mailboxID string) (int, error)
	FormSubmitter
}

// FormSubmitter is the narrow HTTP capability the unsubscribe resolver
// needs: a generic GET/POST against an arbitrary URL. Non-2xx statuses are
// results, not errors; only connection-level failure is an error.
type FormSubmitter interface {
	SubmitForm(rawURL string, fields url.Values, method string) (*FormResponse, error)
}

// FormResponse is the terminal response of a form submission, after
// following redirects.
type FormResponse struct {
	StatusCode int
	FinalURL   string
	Body       string
}

// AddressRecord is one from/to pair, lower-cased
type AddressRecord struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// AddressPage is one page of an address crawl. Total is -1 when the
// service did not calculate it for this page.
type AddressPage struct {
	Records []AddressRecord
	Total   int
}
