// Package preview exposes dev servers running inside sandboxes through
// an owner-scoped reverse proxy.
package preview

import (
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/portside-dev/portside/internal/auth"
	"github.com/portside-dev/portside/internal/sessions"
)

// Bindings is the subset of the session registry the proxy needs.
type Bindings interface {
	PreviewBinding(sessionID string) (port int, owner string, ok bool)
}

// Proxy routes /preview/{sessionID}/* to the port the session exposed
// with start_preview. Only the session owner (or an elevated caller)
// may reach a preview; sessions without a binding are a 404 so probing
// cannot distinguish absent sessions from unexposed ones.
type Proxy struct {
	bindings Bindings
}

func NewProxy(bindings Bindings) *Proxy {
	return &Proxy{bindings: bindings}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ident, ok := auth.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	port, owner, ok := p.bindings.PreviewBinding(sessionID)
	if !ok {
		http.Error(w, "no preview for this session", http.StatusNotFound)
		return
	}
	if owner != ident.Subject && !ident.Elevated {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Printf("[preview] session %s upstream error: %v", sessionID, err)
		http.Error(w, "preview upstream unreachable", http.StatusBadGateway)
	}

	prefix := "/preview/" + sessionID
	r.URL.Path = strings.TrimPrefix(r.URL.Path, prefix)
	if r.URL.Path == "" {
		r.URL.Path = "/"
	}
	r.URL.RawPath = ""
	proxy.ServeHTTP(w, r)
}

var _ Bindings = (*sessions.Manager)(nil)
