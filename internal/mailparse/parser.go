package mailparse

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// OneClickToken is the literal List-Unsubscribe-Post value required by
// RFC 8058 for one-click unsubscription.
const OneClickToken = "List-Unsubscribe=One-Click"

// Words that suggest an unsubscribe link
var unsubPattern = regexp.MustCompile(
	`(?i)unsubscribe|opt[\s_-]?out|email[\s_-]?preferences|manage[\s_-]?subscriptions?` +
		`|remove[\s_-]?me|stop[\s_-]?receiving`,
)

// Patterns that indicate success on a response page
var successPattern = regexp.MustCompile(
	`(?i)successfully\s+unsubscribed|you.ve been (removed|unsubscribed)` +
		`|unsubscribed?\s+(successful|confirmed|complete)` +
		`|removed from.{0,30}(list|mailing)|no longer receive` +
		`|subscription.{0,20}(cancelled|canceled|removed)` +
		`|you.re unsubscribed|opt.out.{0,20}(confirmed|complete|successful)`,
)

// Patterns that indicate an explicit failure on a response page
var failurePattern = regexp.MustCompile(
	`(?i)(unable to|failed to|could not|cannot|error)\s.{0,40}unsubscrib`,
)

var angleURIPattern = regexp.MustCompile(`<([^>]+)>`)

var bareLinkPattern = regexp.MustCompile(`https?://[^\s"'<>)\]]+`)

// ParseListUnsubscribe splits a List-Unsubscribe header value into its
// http(s) URLs and mailto addresses, in header order.
func ParseListUnsubscribe(header string) (httpURLs, mailtoAddrs []string) {
	if header == "" {
		return nil, nil
	}
	for _, match := range angleURIPattern.FindAllStringSubmatch(header, -1) {
		uri := strings.TrimSpace(match[1])
		switch {
		case isHTTPURL(uri):
			httpURLs = append(httpURLs, uri)
		case strings.HasPrefix(uri, "mailto:"):
			mailtoAddrs = append(mailtoAddrs, strings.TrimPrefix(uri, "mailto:"))
		}
	}
	return httpURLs, mailtoAddrs
}

// HasOneClick reports whether a List-Unsubscribe-Post header value carries
// the RFC 8058 one-click token.
func HasOneClick(postHeader string) bool {
	return strings.Contains(postHeader, OneClickToken)
}

// MatchesUnsubscribeIntent reports whether text looks unsubscribe-related
func MatchesUnsubscribeIntent(text string) bool {
	return unsubPattern.MatchString(text)
}

// ConfirmsSuccess reports whether a response page explicitly confirms that
// the recipient was unsubscribed.
func ConfirmsSuccess(body string) bool {
	return successPattern.MatchString(body)
}

// IndicatesFailure reports whether a response page explicitly says the
// unsubscription did not happen.
func IndicatesFailure(body string) bool {
	return failurePattern.MatchString(body)
}

// Link is one anchor extracted from a message body
type Link struct {
	Href string
	Text string
}

// FindUnsubscribeLinks extracts http(s) anchors whose text or href matches
// the unsubscribe-intent patterns, in document order.
func FindUnsubscribeLinks(body string) []Link {
	z := html.NewTokenizer(strings.NewReader(body))
	var links []Link
	var href string
	var text strings.Builder
	inAnchor := false

	for {
		switch z.Next() {
		case html.ErrorToken:
			return links
		case html.StartTagToken:
			t := z.Token()
			if t.Data == "a" {
				inAnchor = true
				href = attrValue(t, "href")
				text.Reset()
			}
		case html.TextToken:
			if inAnchor {
				text.Write(z.Text())
			}
		case html.EndTagToken:
			if z.Token().Data == "a" && inAnchor {
				inAnchor = false
				label := collapseSpace(text.String())
				if isHTTPURL(href) && (unsubPattern.MatchString(label) || unsubPattern.MatchString(href)) {
					links = append(links, Link{Href: href, Text: label})
				}
			}
		}
	}
}

// FindUnsubscribeLinksInText scans a plain-text body for bare URLs matching
// the unsubscribe-intent patterns, for messages without an HTML part.
func FindUnsubscribeLinksInText(text string) []Link {
	var links []Link
	for _, raw := range bareLinkPattern.FindAllString(text, -1) {
		if unsubPattern.MatchString(raw) {
			links = append(links, Link{Href: raw})
		}
	}
	return links
}

// FormInput is one named input of a parsed form
type FormInput struct {
	Name     string
	Value    string
	Required bool
}

// Form is a form found on an unsubscribe confirmation page
type Form struct {
	Action string
	Method string
	Inputs []FormInput
	Text   string
}

// Values returns the form's present input values, ready for submission
func (f Form) Values() url.Values {
	values := url.Values{}
	for _, in := range f.Inputs {
		values.Set(in.Name, in.Value)
	}
	return values
}

// MissingRequired lists required inputs whose value cannot be inferred
func (f Form) MissingRequired() []string {
	var missing []string
	for _, in := range f.Inputs {
		if in.Required && in.Value == "" {
			missing = append(missing, in.Name)
		}
	}
	return missing
}

// ParseForms extracts forms with their inputs and surrounding text, in
// document order. Nested forms are not valid HTML and are not handled.
func ParseForms(body string) []Form {
	z := html.NewTokenizer(strings.NewReader(body))
	var forms []Form
	var current *Form
	var text strings.Builder

	for {
		switch z.Next() {
		case html.ErrorToken:
			return forms
		case html.StartTagToken, html.SelfClosingTagToken:
			t := z.Token()
			switch t.Data {
			case "form":
				method := strings.ToUpper(attrValue(t, "method"))
				if method == "" {
					method = http.MethodGet
				}
				current = &Form{Action: attrValue(t, "action"), Method: method}
				text.Reset()
			case "input":
				if current == nil {
					continue
				}
				name := attrValue(t, "name")
				if name == "" {
					continue
				}
				current.Inputs = append(current.Inputs, FormInput{
					Name:     name,
					Value:    attrValue(t, "value"),
					Required: hasAttr(t, "required"),
				})
			}
		case html.TextToken:
			if current != nil {
				text.Write(z.Text())
			}
		case html.EndTagToken:
			if z.Token().Data == "form" && current != nil {
				current.Text = collapseSpace(text.String())
				forms = append(forms, *current)
				current = nil
			}
		}
	}
}

func attrValue(t html.Token, name string) string {
	for _, a := range t.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func hasAttr(t html.Token, name string) bool {
	for _, a := range t.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
