package transport

import (
	"encoding/base64"
	"fmt"
	"log"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
)

// knownHeaderCase lists names whose conventional casing differs from
// the textproto canonical form.
var knownHeaderCase = map[string]string{
	"mime-version":   "MIME-Version",
	"message-id":     "Message-ID",
	"content-id":     "Content-ID",
	"list-id":        "List-ID",
	"feedback-id":    "Feedback-ID",
	"dkim-signature": "DKIM-Signature",
}

// CanonicalHeaderName normalizes a header name to its conventional
// wire casing.
func CanonicalHeaderName(name string) string {
	trimmed := strings.TrimSpace(name)
	if special, ok := knownHeaderCase[strings.ToLower(trimmed)]; ok {
		return special
	}
	return textproto.CanonicalMIMEHeaderKey(trimmed)
}

// BuildRaw assembles the full-custom message: the rendered header
// block verbatim (names canonicalized, structural headers dropped),
// a guaranteed To, and the normalized body tree. The result goes
// through the provider's raw insert path, which performs no header
// rewriting of its own.
func BuildRaw(m Message, principal string) (string, error) {
	var sb strings.Builder

	lines, seen := parseHeaderBlock(m.HeaderBlock)
	if len(lines) == 0 {
		lines, seen = fallbackHeaders(m, principal)
	}
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteString("\r\n")
	}
	if !seen["To"] {
		fmt.Fprintf(&sb, "To: %s\r\n", m.Recipient)
	}

	if err := writeRawBody(&sb, m); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// parseHeaderBlock splits a rendered header block into wire-ready
// lines. Continuation lines stay folded onto their header; structural
// headers are dropped because the body writer owns them.
func parseHeaderBlock(block string) ([]string, map[string]bool) {
	var out []string
	seen := make(map[string]bool)

	for _, raw := range strings.Split(block, "\n") {
		line := strings.TrimRight(raw, "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(out) > 0 {
				out[len(out)-1] += "\r\n" + line
			}
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			log.Printf("[Transport] Skipping malformed header line %q", line)
			continue
		}
		if structuralHeaders[textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))] {
			log.Printf("[Transport] Dropping structural header override %q", strings.TrimSpace(name))
			continue
		}

		canonical := CanonicalHeaderName(name)
		seen[canonical] = true
		out = append(out, canonical+":"+value)
	}
	return out, seen
}

// fallbackHeaders covers a full-custom campaign whose block rendered
// empty: the message still needs an envelope.
func fallbackHeaders(m Message, principal string) ([]string, map[string]bool) {
	lines := []string{
		"To: " + m.Recipient,
		"From: " + formatAddress(m.FromName, principal),
		"Subject: " + m.Subject,
	}
	return lines, map[string]bool{"To": true, "From": true, "Subject": true}
}

func writeRawBody(sb *strings.Builder, m Message) error {
	html, plain := m.BodyHTML, m.BodyPlain
	if html != "" && plain == "" {
		plain = htmlOnlyFallback
	}
	if html == "" && plain == "" {
		log.Printf("[Transport] Message to %s has no body content", m.Recipient)
	}

	sb.WriteString("MIME-Version: 1.0\r\n")

	if len(m.Attachments) == 0 {
		writeTextTree(sb, html, plain)
		return nil
	}

	mixed := newBoundary()
	fmt.Fprintf(sb, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mixed)
	fmt.Fprintf(sb, "--%s\r\n", mixed)
	writeTextTree(sb, html, plain)

	for _, a := range m.Attachments {
		content, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return fmt.Errorf("attachment %s: %w", a.Filename, err)
		}
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		fmt.Fprintf(sb, "--%s\r\n", mixed)
		fmt.Fprintf(sb, "Content-Type: %s\r\n", contentType)
		sb.WriteString("Content-Transfer-Encoding: base64\r\n")
		fmt.Fprintf(sb, "Content-Disposition: attachment; filename=%q\r\n\r\n", a.Filename)
		sb.WriteString(wrapBase64(content))
	}
	fmt.Fprintf(sb, "--%s--\r\n", mixed)
	return nil
}

// writeTextTree emits the text portion, headers first: a
// multipart/alternative with plain before HTML, or a bare text/plain
// when there is no HTML.
func writeTextTree(sb *strings.Builder, html, plain string) {
	if html == "" {
		writeTextPart(sb, "text/plain", plain)
		return
	}

	alt := newBoundary()
	fmt.Fprintf(sb, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", alt)
	fmt.Fprintf(sb, "--%s\r\n", alt)
	writeTextPart(sb, "text/plain", plain)
	fmt.Fprintf(sb, "--%s\r\n", alt)
	writeTextPart(sb, "text/html", html)
	fmt.Fprintf(sb, "--%s--\r\n", alt)
}

func writeTextPart(sb *strings.Builder, contentType, body string) {
	fmt.Fprintf(sb, "Content-Type: %s; charset=utf-8\r\n", contentType)
	sb.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
	sb.WriteString(wrapBase64([]byte(body)))
}

func wrapBase64(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var sb strings.Builder
	for len(encoded) > 76 {
		sb.WriteString(encoded[:76])
		sb.WriteString("\r\n")
		encoded = encoded[76:]
	}
	if encoded != "" {
		sb.WriteString(encoded)
		sb.WriteString("\r\n")
	}
	return sb.String()
}

func newBoundary() string {
	return "=_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
