package jmap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"fastmail-tools/internal/models"
)

const DefaultSessionURL = "https://api.fastmail.com/jmap/session"

const mailCapability = "urn:ietf:params:jmap:mail"

const (
	addressBatchSize = 50
	maxBodyBytes     = 256 << 10
)

var usingCaps = []string{"urn:ietf:params:jmap:core", mailCapability}

var baseProperties = []string{"id", "subject", "from", "receivedAt", "size", "mailboxIds"}

var fullProperties = []string{
	"id", "subject", "from", "receivedAt", "size", "mailboxIds",
	"header:list-unsubscribe", "header:list-unsubscribe-post",
	"htmlBody", "textBody", "bodyValues",
}

// StandardClient implements Client against a JMAP mail service over HTTPS.
// All operations are synchronous with one bounded timeout; the only
// internal retry is a single immediate one when the service signals
// throttling.
type StandardClient struct {
	sessionURL string
	token      string
	httpClient *http.Client

	apiURL    string
	accountID string
}

// NewStandardClient creates a client for the given session endpoint and
// bearer token. Bootstrap must be called before any mailbox operation.
func NewStandardClient(sessionURL, token string, timeout time.Duration) *StandardClient {
	if sessionURL == "" {
		sessionURL = DefaultSessionURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StandardClient{
		sessionURL: sessionURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Bootstrap resolves the account-specific API endpoint from the session
// resource. It picks the primary mail account when the session advertises
// one, else the first account id in sorted order.
func (c *StandardClient) Bootstrap() error {
	req, err := http.NewRequest(http.MethodGet, c.sessionURL, nil)
	if err != nil {
		return fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "session bootstrap", Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	var session struct {
		APIURL          string                     `json:"apiUrl"`
		PrimaryAccounts map[string]string          `json:"primaryAccounts"`
		Accounts        map[string]json.RawMessage `json:"accounts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return &ProtocolError{Detail: fmt.Sprintf("malformed session resource: %v", err)}
	}

	accountID := session.PrimaryAccounts[mailCapability]
	if accountID == "" && len(session.Accounts) > 0 {
		ids := make([]string, 0, len(session.Accounts))
		for id := range session.Accounts {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		accountID = ids[0]
	}

	if session.APIURL == "" || accountID == "" {
		return &ProtocolError{Detail: "session resource missing apiUrl or accounts"}
	}

	c.apiURL = session.APIURL
	c.accountID = accountID
	return nil
}

// FetchMessagesSince queries messages received at or after the cursor
// watermark, ascending by arrival, excluding ids already in the cursor's
// dedup window.
func (c *StandardClient) FetchMessagesSince(cursor models.Cursor, limit int) ([]models.Message, error) {
	filter := map[string]interface{}{}
	if !cursor.Watermark.IsZero() {
		filter["after"] = utcDate(cursor.Watermark)
	}

	resp, err := c.call(c.emailQueryGet(filter, true, limit, 0, baseProperties, nil, false))
	if err != nil {
		return nil, err
	}
	records, err := decodeEmailList(resp, 1)
	if err != nil {
		return nil, err
	}

	var msgs []models.Message
	for _, r := range records {
		if cursor.Contains(r.ID) {
			continue
		}
		msgs = append(msgs, r.toMessage())
	}
	return msgs, nil
}

// FetchRecent returns the most recent messages, newest first
func (c *StandardClient) FetchRecent(limit int) ([]models.Message, error) {
	resp, err := c.call(c.emailQueryGet(map[string]interface{}{}, false, limit, 0, baseProperties, nil, false))
	if err != nil {
		return nil, err
	}
	records, err := decodeEmailList(resp, 1)
	if err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, r.toMessage())
	}
	return msgs, nil
}

// FetchLatestFromSender returns the most recent message from the given
// sender, with unsubscribe headers and body values populated. When a
// recipient is given, only messages addressed to it match.
func (c *StandardClient) FetchLatestFromSender(sender, recipient string) (*models.Message, error) {
	var filter interface{} = map[string]interface{}{"from": sender}
	if recipient != "" {
		filter = map[string]interface{}{
			"operator": "AND",
			"conditions": []map[string]interface{}{
				{"from": sender},
				{"to": recipient},
			},
		}
	}

	extra := map[string]interface{}{
		"fetchHTMLBodyValues": true,
		"fetchTextBodyValues": true,
		"maxBodyValueBytes":   maxBodyBytes,
	}
	resp, err := c.call(c.emailQueryGet(filter, false, 1, 0, fullProperties, extra, false))
	if err != nil {
		return nil, err
	}
	records, err := decodeEmailList(resp, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("from %s: %w", sender, ErrNotFound)
	}
	msg := records[0].toMessage()
	return &msg, nil
}

// FetchFromSender returns up to limit messages from the given sender,
// newest first, optionally scoped to one folder.
func (c *StandardClient) FetchFromSender(sender, folderID string, limit int) ([]models.Message, error) {
	filter := map[string]interface{}{"from": sender}
	if folderID != "" {
		filter["inMailbox"] = folderID
	}
	resp, err := c.call(c.emailQueryGet(filter, false, limit, 0, baseProperties, nil, false))
	if err != nil {
		return nil, err
	}
	records, err := decodeEmailList(resp, 1)
	if err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, r.toMessage())
	}
	return msgs, nil
}

// QueryAddresses fetches one page of from/to address pairs for messages
// received after the given time. The total result count is calculated on
// the first page only; later pages report -1.
func (c *StandardClient) QueryAddresses(after time.Time, position int) (AddressPage, error) {
	filter := map[string]interface{}{"after": utcDate(after)}
	calculateTotal := position == 0

	resp, err := c.call(c.emailQueryGet(filter, false, addressBatchSize, position, []string{"from", "to"}, nil, calculateTotal))
	if err != nil {
		return AddressPage{}, err
	}

	page := AddressPage{Total: -1}

	queryRaw, err := resp.result(0)
	if err != nil {
		return AddressPage{}, err
	}
	var queryResult struct {
		Total *int `json:"total"`
	}
	if err := json.Unmarshal(queryRaw, &queryResult); err != nil {
		return AddressPage{}, &ProtocolError{Detail: fmt.Sprintf("malformed query result: %v", err)}
	}
	if queryResult.Total != nil {
		page.Total = *queryResult.Total
	}

	records, err := decodeEmailList(resp, 1)
	if err != nil {
		return AddressPage{}, err
	}
	for _, r := range records {
		page.Records = append(page.Records, AddressRecord{
			From: firstAddress(r.From),
			To:   firstAddress(r.To),
		})
	}
	return page, nil
}

// Mailboxes returns the id to display-name mapping for all mailboxes
func (c *StandardClient) Mailboxes() (map[string]string, error) {
	boxes, err := c.fetchMailboxes([]string{"id", "name"})
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(boxes))
	for _, m := range boxes {
		names[m.ID] = m.Name
	}
	return names, nil
}

// MailboxIDByRole resolves a mailbox id by its standard role (e.g. "trash")
func (c *StandardClient) MailboxIDByRole(role string) (string, error) {
	boxes, err := c.fetchMailboxes([]string{"id", "name", "role"})
	if err != nil {
		return "", err
	}
	for _, m := range boxes {
		if strings.EqualFold(m.Role, role) {
			return m.ID, nil
		}
	}
	return "", fmt.Errorf("mailbox with role %q: %w", role, ErrNotFound)
}

// MoveMessages sets the target mailbox as the sole location of the given
// messages. Moving an already-moved message is a no-op that still counts
// as moved.
func (c *StandardClient) MoveMessages(ids []string, mailboxID string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	update := make(map[string]interface{}, len(ids))
	for _, id := range ids {
		update[id] = map[string]interface{}{
			"mailboxIds": map[string]bool{mailboxID: true},
		}
	}

	resp, err := c.call([]interface{}{
		[]interface{}{"Email/set", map[string]interface{}{
			"accountId": c.accountID,
			"update":    update,
		}, "0"},
	})
	if err != nil {
		return 0, err
	}

	raw, err := resp.result(0)
	if err != nil {
		return 0, err
	}
	var setResult struct {
		Updated    map[string]json.RawMessage `json:"updated"`
		NotUpdated map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"notUpdated"`
	}
	if err := json.Unmarshal(raw, &setResult); err != nil {
		return 0, &ProtocolError{Detail: fmt.Sprintf("malformed set result: %v", err)}
	}

	moved := len(setResult.Updated)
	if moved == 0 && len(setResult.NotUpdated) > 0 {
		for id, setErr := range setResult.NotUpdated {
			return 0, &ProtocolError{Type: setErr.Type, Detail: fmt.Sprintf("move %s: %s", id, setErr.Description)}
		}
	}
	return moved, nil
}

// SubmitForm performs a generic GET/POST against an arbitrary URL without
// credentials, following redirects. The status code is always a result;
// only connection-level failure is an error.
func (c *StandardClient) SubmitForm(rawURL string, fields url.Values, method string) (*FormResponse, error) {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}

	var req *http.Request
	var err error
	if method == http.MethodPost {
		req, err = http.NewRequest(http.MethodPost, rawURL, strings.NewReader(fields.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		target := rawURL
		if len(fields) > 0 {
			u, perr := url.Parse(rawURL)
			if perr != nil {
				return nil, fmt.Errorf("parse form url: %w", perr)
			}
			q := u.Query()
			for key, vals := range fields {
				for _, v := range vals {
					q.Add(key, v)
				}
			}
			u.RawQuery = q.Encode()
			target = u.String()
		}
		req, err = http.NewRequest(http.MethodGet, target, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("build form request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "form submission", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &TransportError{Op: "form submission", Err: err}
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &FormResponse{
		StatusCode: resp.StatusCode,
		FinalURL:   finalURL,
		Body:       string(body),
	}, nil
}

// call posts a method-call batch to the API endpoint. A throttled request
// is retried once after the service's backoff hint, then surfaces as
// RateLimitedError.
func (c *StandardClient) call(methodCalls []interface{}) (*apiResponse, error) {
	if c.apiURL == "" {
		return nil, &ProtocolError{Detail: "session not bootstrapped"}
	}

	payload, err := json.Marshal(map[string]interface{}{
		"using":       usingCaps,
		"methodCalls": methodCalls,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequest(http.MethodPost, c.apiURL, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build api request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &TransportError{Op: "api call", Err: err}
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt == 0 {
			hint := retryAfterHint(resp)
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			time.Sleep(hint)
			continue
		}

		if err := classifyStatus(resp); err != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			return nil, err
		}

		var parsed apiResponse
		err = json.NewDecoder(resp.Body).Decode(&parsed)
		_ = resp.Body.Close()
		if err != nil {
			return nil, &ProtocolError{Detail: fmt.Sprintf("malformed response: %v", err)}
		}
		return &parsed, nil
	}
}

// classifyStatus maps an HTTP status onto the error taxonomy: 429 is
// throttling, 5xx is transport-level (retryable), any other non-2xx is a
// protocol failure.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: retryAfterHint(resp)}
	case resp.StatusCode >= 500:
		return &TransportError{Op: "api call", Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return &ProtocolError{Status: resp.StatusCode, Detail: http.StatusText(resp.StatusCode)}
	}
	return nil
}

func retryAfterHint(resp *http.Response) time.Duration {
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			hint := time.Duration(secs) * time.Second
			if hint > 30*time.Second {
				hint = 30 * time.Second
			}
			return hint
		}
	}
	return 2 * time.Second
}

// emailQueryGet builds the standard Email/query + Email/get chain with an
// ids back-reference.
func (c *StandardClient) emailQueryGet(filter interface{}, ascending bool, limit, position int, properties []string, getExtra map[string]interface{}, calculateTotal bool) []interface{} {
	queryArgs := map[string]interface{}{
		"accountId": c.accountID,
		"filter":    filter,
		"sort": []map[string]interface{}{
			{"property": "receivedAt", "isAscending": ascending},
		},
		"limit": limit,
	}
	if position > 0 {
		queryArgs["position"] = position
	}
	if calculateTotal {
		queryArgs["calculateTotal"] = true
	}

	getArgs := map[string]interface{}{
		"accountId": c.accountID,
		"#ids": map[string]interface{}{
			"resultOf": "0",
			"name":     "Email/query",
			"path":     "/ids/*",
		},
		"properties": properties,
	}
	for key, val := range getExtra {
		getArgs[key] = val
	}

	return []interface{}{
		[]interface{}{"Email/query", queryArgs, "0"},
		[]interface{}{"Email/get", getArgs, "1"},
	}
}

func (c *StandardClient) fetchMailboxes(properties []string) ([]mailboxRecord, error) {
	resp, err := c.call([]interface{}{
		[]interface{}{"Mailbox/get", map[string]interface{}{
			"accountId":  c.accountID,
			"properties": properties,
		}, "0"},
	})
	if err != nil {
		return nil, err
	}
	raw, err := resp.result(0)
	if err != nil {
		return nil, err
	}
	var result struct {
		List []mailboxRecord `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Detail: fmt.Sprintf("malformed mailbox list: %v", err)}
	}
	return result.List, nil
}

type apiResponse struct {
	MethodResponses [][]json.RawMessage `json:"methodResponses"`
}

// result returns the argument object of the i-th method response, mapping
// JMAP method-level errors onto ProtocolError.
func (r *apiResponse) result(i int) (json.RawMessage, error) {
	if i >= len(r.MethodResponses) || len(r.MethodResponses[i]) < 2 {
		return nil, &ProtocolError{Detail: fmt.Sprintf("missing method response %d", i)}
	}
	var name string
	if err := json.Unmarshal(r.MethodResponses[i][0], &name); err != nil {
		return nil, &ProtocolError{Detail: "malformed method response name"}
	}
	if name == "error" {
		var methodErr struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		}
		_ = json.Unmarshal(r.MethodResponses[i][1], &methodErr)
		return nil, &ProtocolError{Type: methodErr.Type, Detail: methodErr.Description}
	}
	return r.MethodResponses[i][1], nil
}

func decodeEmailList(resp *apiResponse, i int) ([]emailRecord, error) {
	raw, err := resp.result(i)
	if err != nil {
		return nil, err
	}
	var result struct {
		List []emailRecord `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Detail: fmt.Sprintf("malformed email list: %v", err)}
	}
	return result.List, nil
}

type mailboxRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type emailAddress struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type bodyPart struct {
	PartID string `json:"partId"`
	Type   string `json:"type"`
}

type bodyValue struct {
	Value string `json:"value"`
}

type emailRecord struct {
	ID                  string               `json:"id"`
	Subject             string               `json:"subject"`
	From                []emailAddress       `json:"from"`
	To                  []emailAddress       `json:"to"`
	ReceivedAt          time.Time            `json:"receivedAt"`
	Size                int64                `json:"size"`
	MailboxIDs          map[string]bool      `json:"mailboxIds"`
	ListUnsubscribe     string               `json:"header:list-unsubscribe"`
	ListUnsubscribePost string               `json:"header:list-unsubscribe-post"`
	HTMLBody            []bodyPart           `json:"htmlBody"`
	TextBody            []bodyPart           `json:"textBody"`
	BodyValues          map[string]bodyValue `json:"bodyValues"`
}

func (r emailRecord) toMessage() models.Message {
	msg := models.Message{
		ID:         r.ID,
		ReceivedAt: r.ReceivedAt,
		Sender:     firstAddress(r.From),
		Subject:    r.Subject,
		Size:       r.Size,
		Headers:    make(map[string]string),
	}

	if len(r.MailboxIDs) > 0 {
		ids := make([]string, 0, len(r.MailboxIDs))
		for id := range r.MailboxIDs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		msg.FolderID = ids[0]
	}

	if r.ListUnsubscribe != "" {
		msg.Headers["list-unsubscribe"] = r.ListUnsubscribe
	}
	if r.ListUnsubscribePost != "" {
		msg.Headers["list-unsubscribe-post"] = r.ListUnsubscribePost
	}

	msg.BodyHTML = joinBodyParts(r.HTMLBody, r.BodyValues)
	msg.BodyText = joinBodyParts(r.TextBody, r.BodyValues)
	return msg
}

func joinBodyParts(parts []bodyPart, values map[string]bodyValue) string {
	var b strings.Builder
	for _, p := range parts {
		if v, ok := values[p.PartID]; ok {
			b.WriteString(v.Value)
		}
	}
	return b.String()
}

func firstAddress(addrs []emailAddress) string {
	if len(addrs) == 0 || addrs[0].Email == "" {
		return "unknown"
	}
	return strings.ToLower(addrs[0].Email)
}

func utcDate(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
