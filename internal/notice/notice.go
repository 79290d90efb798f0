// Package notice renders the page shown in place of normal output when the
// deployed code no longer matches its attestation record.
package notice

import (
	_ "embed"
	"html/template"
	"io"
	"net/http"

	"github.com/ipsix/codeseal/internal/integrity"
)

//go:embed notice.html
var page string

var tmpl = template.Must(template.New("notice").Parse(page))

type view struct {
	Candidate string
}

// Render writes the bilingual notice carrying the candidate record's JSON.
// A nil candidate renders the notice without a code.
func Render(w io.Writer, candidate *integrity.AttestationRecord) error {
	v := view{}
	if candidate != nil {
		v.Candidate = candidate.JSON()
	}
	return tmpl.Execute(w, v)
}

// Write renders the notice as a complete HTTP response.
func Write(w http.ResponseWriter, status int, candidate *integrity.AttestationRecord) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	return Render(w, candidate)
}
