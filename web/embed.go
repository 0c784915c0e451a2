// Package web embeds the HTML pages served by the relay.
package web

import (
	"embed"
	"html/template"
	"io"

	"github.com/ashureev/wa-relay/internal/domain"
)

//go:embed templates/*.html
var templatesFS embed.FS

var pages = template.Must(template.ParseFS(templatesFS, "templates/*.html"))

// QRRefreshSeconds is how often the pairing page reloads itself.
const QRRefreshSeconds = 15

// QRPage is the data rendered by the pairing page.
type QRPage struct {
	State          domain.ConnectionState
	Token          string
	Attempt        int
	MaxAttempts    int
	Terminal       bool
	RefreshSeconds int
}

// Connected reports whether the page should show the connected notice.
func (p QRPage) Connected() bool {
	return p.State == domain.StateConnected
}

// StatusLabel is the human readable connection state.
func (p QRPage) StatusLabel() string {
	switch p.State {
	case domain.StateConnected:
		return "Connected"
	case domain.StateConnecting:
		return "Connecting..."
	case domain.StateAwaitingPairing:
		return "Waiting for pairing"
	default:
		return "Disconnected"
	}
}

// RenderQR writes the pairing page.
func RenderQR(w io.Writer, page QRPage) error {
	if page.RefreshSeconds <= 0 {
		page.RefreshSeconds = QRRefreshSeconds
	}
	return pages.ExecuteTemplate(w, "qr.html", page)
}
