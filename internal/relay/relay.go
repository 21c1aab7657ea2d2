// Package relay forwards anonymous contact messages to the owner of a thing.
// The sender never learns the owner's address; the owner sees only the
// message text and the thing's headline.
package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/erazemk/najdeno/internal/model"
)

// DefaultFrom is the sender used when none is configured.
const DefaultFrom = "Lost and Found <noreply@lostandfound.com>"

const footer = "This is an anonymous message sent through the Lost and Found application."

// Message is a composed email.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Transport delivers a composed message. Implementations do not retry.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// Relay composes contact messages and hands them to a Transport.
type Relay struct {
	Transport Transport
	policy    *bluemonday.Policy
}

// New returns a relay delivering through t.
func New(t Transport) *Relay {
	return &Relay{Transport: t, policy: bluemonday.StrictPolicy()}
}

// Relay sends message about the thing with the given headline to to.
// Transport failures are returned as *model.DeliveryError.
func (r *Relay) Relay(ctx context.Context, to, headline, message string) error {
	if err := r.Transport.Send(ctx, r.Compose(to, headline, message)); err != nil {
		return &model.DeliveryError{Err: err}
	}
	return nil
}

// Compose builds the plain text and HTML versions of a contact message.
// User-supplied text is stripped of markup before it is placed in the HTML body.
func (r *Relay) Compose(to, headline, message string) Message {
	policy := r.policy
	if policy == nil {
		policy = bluemonday.StrictPolicy()
	}

	text := fmt.Sprintf("You received a message about your lost/found item: %q\n\n"+
		"Message:\n%s\n\n---\n%s",
		headline, message, footer)

	var html strings.Builder
	html.WriteString("<h2>You received a message about your item</h2>\n")
	fmt.Fprintf(&html, "<p><strong>Item:</strong> %s</p>\n", policy.Sanitize(headline))
	html.WriteString("<h3>Message:</h3>\n")
	fmt.Fprintf(&html, "<p>%s</p>\n", strings.ReplaceAll(policy.Sanitize(message), "\n", "<br>"))
	html.WriteString("<hr>\n")
	fmt.Fprintf(&html, "<p style=\"color: #666; font-size: 12px;\">%s</p>\n", footer)

	return Message{
		To:      to,
		Subject: "Someone is interested in: " + singleLine(headline),
		Text:    text,
		HTML:    html.String(),
	}
}

// singleLine keeps user text from spilling into other header fields.
func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
