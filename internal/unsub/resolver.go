// Package unsub resolves how to unsubscribe from a sender's mail and,
// unless running dry, performs the single most trustworthy attempt.
package unsub

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fastmail-tools/internal/jmap"
	"fastmail-tools/internal/logging"
	"fastmail-tools/internal/mailparse"
	"fastmail-tools/internal/models"
)

// Candidate is one possible unsubscribe mechanism found in a message.
type Candidate struct {
	Kind models.CandidateKind
	URL  string
	Text string
}

// BuildCandidates extracts every unsubscribe mechanism from the message,
// ordered most reliable first: the RFC 8058 one-click pair, then plain
// List-Unsubscribe links, then body links in document order.
func BuildCandidates(msg *models.Message) []Candidate {
	var candidates []Candidate

	header := msg.Header("List-Unsubscribe")
	postHeader := msg.Header("List-Unsubscribe-Post")
	httpURLs, _ := mailparse.ParseListUnsubscribe(header)

	oneClick := mailparse.HasOneClick(postHeader) && len(httpURLs) > 0
	if oneClick {
		candidates = append(candidates, Candidate{
			Kind: models.OneClickPost,
			URL:  httpURLs[0],
		})
	}

	for i, u := range httpURLs {
		if oneClick && i == 0 {
			continue
		}
		candidates = append(candidates, Candidate{
			Kind: models.HeaderLink,
			URL:  u,
		})
	}

	links := mailparse.FindUnsubscribeLinks(msg.BodyHTML)
	if len(links) == 0 && msg.BodyHTML == "" {
		links = mailparse.FindUnsubscribeLinksInText(msg.BodyText)
	}
	for _, link := range links {
		candidates = append(candidates, Candidate{
			Kind: models.BodyLink,
			URL:  link.Href,
			Text: link.Text,
		})
	}
	return candidates
}

// Resolver attempts at most one unsubscribe mechanism per message. In
// dry-run mode it reports what it would do without touching the network.
type Resolver struct {
	web    jmap.FormSubmitter
	dryRun bool
}

func NewResolver(web jmap.FormSubmitter, dryRun bool) *Resolver {
	return &Resolver{web: web, dryRun: dryRun}
}

// Resolve picks the best candidate and attempts it. It never tries a
// second mechanism: a failed attempt may have half-completed, and
// repeating with another URL risks resubscribing or worse.
func (r *Resolver) Resolve(msg *models.Message) models.Outcome {
	log := logging.Log.WithFields(logrus.Fields{
		"trace_id": uuid.New().String(),
		"sender":   msg.Sender,
	})

	candidates := BuildCandidates(msg)
	if len(candidates) == 0 {
		reason := "no unsubscribe mechanism found"
		if _, mailtos := mailparse.ParseListUnsubscribe(msg.Header("List-Unsubscribe")); len(mailtos) > 0 {
			reason = fmt.Sprintf("only a mailto unsubscribe is offered: %s", mailtos[0])
		}
		log.Info("No actionable unsubscribe candidate")
		return models.Outcome{Status: models.StatusFailed, Reason: reason}
	}

	best := candidates[0]
	method := http.MethodGet
	if best.Kind == models.OneClickPost {
		method = http.MethodPost
	}

	if r.dryRun {
		log.WithFields(logrus.Fields{
			"via": best.Kind.String(),
			"url": best.URL,
		}).Info("Dry run, not contacting server")
		return models.Outcome{
			Status: models.StatusPlanned,
			Via:    best.Kind,
			URL:    best.URL,
			Method: method,
		}
	}

	log.WithFields(logrus.Fields{
		"via": best.Kind.String(),
		"url": best.URL,
	}).Info("Attempting unsubscribe")

	if best.Kind == models.OneClickPost {
		return r.attemptOneClick(best, log)
	}
	return r.attemptLink(best, log)
}

// attemptOneClick posts the RFC 8058 body to the one-click endpoint.
func (r *Resolver) attemptOneClick(c Candidate, log *logrus.Entry) models.Outcome {
	resp, err := r.web.SubmitForm(c.URL, url.Values{
		"List-Unsubscribe": {"One-Click"},
	}, http.MethodPost)
	if err != nil {
		return manual(c, http.MethodPost, fmt.Sprintf("one-click request failed: %v", err))
	}
	if resp.StatusCode >= 400 {
		return manual(c, http.MethodPost, fmt.Sprintf("one-click endpoint returned HTTP %d", resp.StatusCode))
	}
	if mailparse.IndicatesFailure(resp.Body) {
		return manual(c, http.MethodPost, "one-click endpoint reported a failure")
	}

	log.Info("One-click unsubscribe accepted")
	return models.Outcome{
		Status: models.StatusSucceeded,
		Via:    c.Kind,
		URL:    c.URL,
		Method: http.MethodPost,
	}
}

// attemptLink loads the unsubscribe page and, when it carries a
// recognizable confirmation form with all required values present,
// submits it.
func (r *Resolver) attemptLink(c Candidate, log *logrus.Entry) models.Outcome {
	resp, err := r.web.SubmitForm(c.URL, nil, http.MethodGet)
	if err != nil {
		return manual(c, http.MethodGet, fmt.Sprintf("request failed: %v", err))
	}
	if resp.StatusCode >= 400 {
		return manual(c, http.MethodGet, fmt.Sprintf("page returned HTTP %d", resp.StatusCode))
	}
	if mailparse.ConfirmsSuccess(resp.Body) {
		log.Info("Page confirmed unsubscribe on load")
		return models.Outcome{
			Status: models.StatusSucceeded,
			Via:    c.Kind,
			URL:    c.URL,
			Method: http.MethodGet,
		}
	}

	form, ok := pickForm(mailparse.ParseForms(resp.Body))
	if !ok {
		return manual(c, http.MethodGet, "page loaded but no confirmation detected")
	}
	if missing := form.MissingRequired(); len(missing) > 0 {
		return manual(c, http.MethodGet,
			fmt.Sprintf("confirmation form needs manual input: %v", missing))
	}

	action, err := resolveAction(resp.FinalURL, form.Action)
	if err != nil {
		return manual(c, http.MethodGet, fmt.Sprintf("cannot resolve form action: %v", err))
	}

	log.WithField("action", action).Info("Submitting confirmation form")
	submitted, err := r.web.SubmitForm(action, form.Values(), form.Method)
	if err != nil {
		return manual(c, form.Method, fmt.Sprintf("form submission failed: %v", err))
	}
	if submitted.StatusCode >= 400 {
		return manual(c, form.Method, fmt.Sprintf("form submission returned HTTP %d", submitted.StatusCode))
	}
	if mailparse.IndicatesFailure(submitted.Body) {
		return manual(c, form.Method, "form submission reported a failure")
	}

	log.Info("Confirmation form accepted")
	return models.Outcome{
		Status: models.StatusSucceeded,
		Via:    c.Kind,
		URL:    c.URL,
		Method: form.Method,
	}
}

// pickForm chooses the confirmation form on a page: the one whose text
// reads like an unsubscribe action, or the only form present.
func pickForm(forms []mailparse.Form) (mailparse.Form, bool) {
	for _, f := range forms {
		if mailparse.MatchesUnsubscribeIntent(f.Text) {
			return f, true
		}
	}
	if len(forms) == 1 {
		return forms[0], true
	}
	return mailparse.Form{}, false
}

// resolveAction turns a form action into an absolute URL relative to the
// page it was served on. An empty action targets the page itself.
func resolveAction(pageURL, action string) (string, error) {
	if action == "" || action == "#" {
		return pageURL, nil
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	target, err := base.Parse(action)
	if err != nil {
		return "", err
	}
	return target.String(), nil
}

func manual(c Candidate, method, reason string) models.Outcome {
	return models.Outcome{
		Status: models.StatusRequiresManualAction,
		Via:    c.Kind,
		URL:    c.URL,
		Method: method,
		Reason: reason,
	}
}
