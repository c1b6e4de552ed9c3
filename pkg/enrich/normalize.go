package enrich

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/cascadehq/cascade/pkg/canon"
)

// Normalize reduces a signal body to the canonical textual form that gets
// fingerprinted. String bodies are NFC-normalized and have runs of
// whitespace collapsed so formatting-only churn does not register as
// change. Structured bodies are serialized canonically (RFC 8785), which
// fixes key order and number formatting.
func Normalize(body any) (string, error) {
	if s, ok := body.(string); ok {
		return strings.Join(strings.Fields(norm.NFC.String(s)), " "), nil
	}
	return canon.String(body)
}
