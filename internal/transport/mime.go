package transport

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"log"
	netmail "net/mail"
	"net/textproto"

	"github.com/wneessen/go-mail"
)

// htmlOnlyFallback is the plain part emitted when a campaign carries
// only an HTML body, so text-only clients still see something.
const htmlOnlyFallback = "This email contains HTML content."

// structuralHeaders are owned by the composer. Campaign headers that
// try to set them are dropped, otherwise a stray Content-Type would
// corrupt the MIME tree. Keys are in textproto canonical form.
var structuralHeaders = map[string]bool{
	"Content-Type":              true,
	"Mime-Version":              true,
	"Content-Transfer-Encoding": true,
}

// BuildMIME renders the standard-path message for principal. The
// alternative lists plain before HTML so clients prefer the richer
// part.
func BuildMIME(m Message, principal string) ([]byte, error) {
	msg := mail.NewMsg(mail.WithNoDefaultUserAgent())

	// From, Sender, and Reply-To all carry the same formatted address
	// unless the campaign names its own reply address; some providers
	// ignore the From display name unless reinforced.
	replyTo := m.ReplyTo
	if replyTo == "" {
		replyTo = principal
	}
	if m.FromName != "" {
		if err := msg.FromFormat(m.FromName, principal); err != nil {
			return nil, fmt.Errorf("set from: %w", err)
		}
		if err := msg.ReplyToFormat(m.FromName, replyTo); err != nil {
			return nil, fmt.Errorf("set reply-to: %w", err)
		}
	} else {
		if err := msg.From(principal); err != nil {
			return nil, fmt.Errorf("set from: %w", err)
		}
		if err := msg.ReplyTo(replyTo); err != nil {
			return nil, fmt.Errorf("set reply-to: %w", err)
		}
	}
	msg.SetGenHeader(mail.Header("Sender"), formatAddress(m.FromName, principal))

	if err := msg.To(m.Recipient); err != nil {
		return nil, fmt.Errorf("set recipient: %w", err)
	}
	msg.Subject(m.Subject)

	switch {
	case m.BodyHTML != "" && m.BodyPlain != "":
		msg.SetBodyString(mail.TypeTextPlain, m.BodyPlain)
		msg.AddAlternativeString(mail.TypeTextHTML, m.BodyHTML)
	case m.BodyHTML != "":
		msg.SetBodyString(mail.TypeTextPlain, htmlOnlyFallback)
		msg.AddAlternativeString(mail.TypeTextHTML, m.BodyHTML)
	case m.BodyPlain != "":
		msg.SetBodyString(mail.TypeTextPlain, m.BodyPlain)
	default:
		log.Printf("[Transport] Message to %s has no body content", m.Recipient)
		msg.SetBodyString(mail.TypeTextPlain, "")
	}

	for key, value := range m.CustomHeaders {
		if structuralHeaders[textproto.CanonicalMIMEHeaderKey(key)] {
			log.Printf("[Transport] Dropping structural header override %q", key)
			continue
		}
		msg.SetGenHeader(mail.Header(key), value)
	}

	for _, a := range m.Attachments {
		content, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", a.Filename, err)
		}
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := msg.AttachReader(a.Filename, bytes.NewReader(content),
			mail.WithFileContentType(mail.ContentType(contentType))); err != nil {
			return nil, fmt.Errorf("attach %s: %w", a.Filename, err)
		}
	}

	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serialize message: %w", err)
	}
	return buf.Bytes(), nil
}

func formatAddress(name, email string) string {
	if name == "" {
		return email
	}
	return (&netmail.Address{Name: name, Address: email}).String()
}
