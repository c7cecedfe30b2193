// Package sanitize strips markup from user-provided text.
//
// Every message text and display name passes through here before storage or
// display, whether it was authored locally or arrived over a transport.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strict = bluemonday.StrictPolicy()

// Text removes all HTML elements and script content, unescapes entities back
// to plain text and trims surrounding whitespace. The result is plain text;
// any rendering layer is expected to escape it again for its own medium.
func Text(s string) string {
	cleaned := strict.Sanitize(s)
	return strings.TrimSpace(html.UnescapeString(cleaned))
}

// DisplayName sanitizes like Text and additionally collapses inner
// whitespace runs, so names stay single-line.
func DisplayName(s string) string {
	return strings.Join(strings.Fields(Text(s)), " ")
}
