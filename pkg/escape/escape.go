// Package escape implements the string helpers templates see in their
// namespace: HTML and URL escaping, JSON encoding, whitespace squeezing and
// URL linkification.
package escape

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

var xhtmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

// XHTMLEscape escapes a string so it is valid within HTML or XML.
// Escapes the characters <, >, ", ' and &.
func XHTMLEscape(s string) string {
	return xhtmlReplacer.Replace(s)
}

// URLEscape returns a URL-encoded version of s.
//
// If plus is true (the default in templates), spaces are encoded as "+"
// and slashes are escaped, which suits query strings. Otherwise spaces
// become "%20" and slashes are kept, which suits path components.
func URLEscape(s string, plus bool) string {
	q := url.QueryEscape(s)
	if plus {
		return q
	}
	q = strings.ReplaceAll(q, "+", "%20")
	return strings.ReplaceAll(q, "%2F", "/")
}

// JSONEncode encodes v as JSON. The result is safe to embed in a <script>
// element: "</" is written as "<\/".
func JSONEncode(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("json encode: %w", err)
	}
	return EscapeScriptClose(strings.TrimSuffix(buf.String(), "\n")), nil
}

// EscapeScriptClose rewrites "</" so encoded data cannot terminate a
// surrounding <script> element.
func EscapeScriptClose(s string) string {
	return strings.ReplaceAll(s, "</", `<\/`)
}

var squeezeRe = regexp.MustCompile(`[\x00-\x20]+`)

// Squeeze replaces all sequences of whitespace chars with a single space.
func Squeeze(s string) string {
	return strings.TrimSpace(squeezeRe.ReplaceAllString(s, " "))
}

// urlRe matches URLs with or without a protocol, including balanced
// parentheses and already-escaped "&amp;"/"&quot;" entities.
var urlRe = regexp.MustCompile(`\b((?:([\w-]+):(/{1,3})|www[.])(?:(?:(?:[^\s&()]|&amp;|&quot;)*` +
	"(?:[^!\"#$%&'()*+,.:;<=>?@\\[\\]^`{|}~\\s]))" +
	`|(?:\((?:[^\s&()]|&amp;|&quot;)*\)))+)`)

// LinkifyOptions tunes Linkify.
type LinkifyOptions struct {
	// Shorten long URLs for display.
	Shorten bool
	// ExtraParams is appended to every <a> tag, e.g. `rel="nofollow"`.
	ExtraParams string
	// ExtraParamsFunc computes extra parameters from the link target and
	// takes precedence over ExtraParams.
	ExtraParamsFunc func(href string) string
	// RequireProtocol only linkifies URLs that carry a protocol.
	RequireProtocol bool
	// PermittedProtocols lists the protocols that may be linkified.
	// Defaults to http and https.
	PermittedProtocols []string
}

const linkifyMaxLen = 30

// Linkify converts plain text into HTML with links.
//
// For example Linkify("Hello http://example.com!", LinkifyOptions{}) returns
// `Hello <a href="http://example.com">http://example.com</a>!`.
// The text is HTML-escaped before links are inserted.
func Linkify(text string, opts LinkifyOptions) string {
	permitted := opts.PermittedProtocols
	if permitted == nil {
		permitted = []string{"http", "https"}
	}
	extra := ""
	if opts.ExtraParams != "" {
		extra = " " + strings.TrimSpace(opts.ExtraParams)
	}

	escaped := XHTMLEscape(text)
	return urlRe.ReplaceAllStringFunc(escaped, func(match string) string {
		m := urlRe.FindStringSubmatch(match)
		link, proto, slashes := m[1], m[2], m[3]

		if opts.RequireProtocol && proto == "" {
			return link
		}
		if proto != "" && !slices.Contains(permitted, proto) {
			return link
		}

		href := link
		if proto == "" {
			href = "http://" + href
		}

		params := extra
		if opts.ExtraParamsFunc != nil {
			params = " " + strings.TrimSpace(opts.ExtraParamsFunc(href))
		}

		display := link
		if opts.Shorten && len(display) > linkifyMaxLen {
			display, params = shortenLink(display, proto, slashes, href, params)
		}
		return fmt.Sprintf(`<a href="%s"%s>%s</a>`, href, params, display)
	})
}

func shortenLink(link, proto, slashes, href, params string) (string, string) {
	before := link
	protoLen := 0
	if proto != "" {
		protoLen = len(proto) + 1 + len(slashes)
	}

	parts := strings.Split(link[protoLen:], "/")
	if len(parts) > 1 {
		// Keep the host and the start of the first path segment, without
		// query or extension.
		seg := parts[1]
		if len(seg) > 8 {
			seg = seg[:8]
		}
		seg = strings.SplitN(seg, "?", 2)[0]
		seg = strings.SplitN(seg, ".", 2)[0]
		link = link[:protoLen] + parts[0] + "/" + seg
	}

	if float64(len(link)) > linkifyMaxLen*1.5 {
		link = link[:linkifyMaxLen]
	}

	if link != before {
		if amp := strings.LastIndex(link, "&"); amp > linkifyMaxLen-5 {
			link = link[:amp]
		}
		link += "..."
		if len(link) >= len(before) {
			link = before
		} else {
			params += fmt.Sprintf(` title="%s"`, href)
		}
	}
	return link, params
}
