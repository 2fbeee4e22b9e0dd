package render

import (
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// HeaderContext carries the per-send values for [tag] macro expansion in
// full-custom header blocks.
type HeaderContext struct {
	Recipient string
	FromName  string
	Subject   string
	// Principal is the sender login; it feeds [smtp] and the [domain]
	// fallback.
	Principal string
	// Domain overrides the derived domain when set.
	Domain string
	Now    time.Time
}

var (
	rndnPattern = regexp.MustCompile(`\[rndn_(\d+)\]`)
	rndaPattern = regexp.MustCompile(`\[rnda_(\d+)\]`)
)

const alnumChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// ExpandHeaderTags replaces the [tag] macros of a full-custom header block:
// [to], [from], [subject], [smtp], [date], [domain], [rndn_N], [rnda_N].
// [date] renders the RFC 2822 form of Now in UTC. [domain] falls back to
// the principal's domain and is left in place when neither is available.
func ExpandHeaderTags(text string, hc HeaderContext) string {
	result := text
	result = strings.ReplaceAll(result, "[to]", hc.Recipient)
	result = strings.ReplaceAll(result, "[from]", hc.FromName)
	result = strings.ReplaceAll(result, "[subject]", hc.Subject)
	result = strings.ReplaceAll(result, "[smtp]", hc.Principal)
	result = strings.ReplaceAll(result, "[date]", hc.Now.UTC().Format("Mon, 02 Jan 2006 15:04:05 -0700"))

	domain := hc.Domain
	if domain == "" {
		if i := strings.Index(hc.Principal, "@"); i >= 0 {
			domain = hc.Principal[i+1:]
		}
	}
	if domain != "" {
		result = strings.ReplaceAll(result, "[domain]", domain)
	}

	result = rndnPattern.ReplaceAllStringFunc(result, func(m string) string {
		n, _ := strconv.Atoi(rndnPattern.FindStringSubmatch(m)[1])
		return randomDigits(n)
	})
	result = rndaPattern.ReplaceAllStringFunc(result, func(m string) string {
		n, _ := strconv.Atoi(rndaPattern.FindStringSubmatch(m)[1])
		return randomAlnum(n)
	})

	return result
}

func randomDigits(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('0' + rand.Intn(10))
	}
	return string(b)
}

func randomAlnum(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alnumChars[rand.Intn(len(alnumChars))]
	}
	return string(b)
}
