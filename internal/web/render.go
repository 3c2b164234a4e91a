package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/matst80/revtun/internal/obs"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

func load() {
	base := template.New("base").Funcs(template.FuncMap{})
	tmpl = template.Must(base.ParseFS(tmplFS, "templates/base.html", "templates/*.html"))
}

// Render writes the named template (which can rely on base) to w with data enriched by Now.
func Render(w io.Writer, name string, data map[string]any) error {
	once.Do(load)
	if data == nil {
		data = map[string]any{}
	}
	data["Now"] = time.Now().Format(time.RFC822)
	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		obs.Error("web.render", obs.Fields{"template": name, "err": err.Error()})
		return tmpl.ExecuteTemplate(w, "base", data)
	}
	return nil
}

// ErrorResponse builds a complete HTTP/1.1 response carrying the error page.
// The connection is always marked for close.
func ErrorResponse(status int, reason string, data map[string]any) []byte {
	if data == nil {
		data = map[string]any{}
	}
	data["Status"] = status
	data["StatusText"] = http.StatusText(status)
	data["Reason"] = reason
	var body bytes.Buffer
	contentType := "text/html; charset=utf-8"
	if err := Render(&body, "error", data); err != nil {
		body.Reset()
		body.WriteString(http.StatusText(status))
		contentType = "text/plain"
	}
	var out bytes.Buffer
	fmt.Fprintf(&out, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(&out, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&out, "Content-Length: %d\r\n", body.Len())
	fmt.Fprintf(&out, "Cache-Control: no-store\r\n")
	fmt.Fprintf(&out, "Connection: close\r\n")
	out.WriteString("\r\n")
	out.Write(body.Bytes())
	return out.Bytes()
}
