package system

import (
	"net"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/crewjam/csp"
	"github.com/gorilla/csrf"
)

func (s *System) SetCSPHeader(w http.ResponseWriter) {
	u, err := url.Parse(s.config.Meta.SiteURL)
	if err != nil {
		s.log.Warn().Err(err).Msg("cant set Content-Security-Policy")
		return
	}
	val := csp.Header{
		DefaultSrc: []string{"'self'", u.Hostname()},
	}.String()
	w.Header().Set("Content-Security-Policy", val)
}

func (s *System) serveTemplate(w http.ResponseWriter, r *http.Request, tname string) {
	s.SetCSPHeader(w)
	t, ok := s.template(tname)
	if !ok {
		http.NotFound(w, r)
		return
	}

	var pageTitle = s.config.Meta.SiteName
	if pageTitle != "" {
		pageTitle += " | "
	}
	switch tname {
	case "index.html":
		pageTitle += "Home"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := t.ExecuteTemplate(w, tname, map[string]interface{}{
		csrf.TemplateTag: csrf.TemplateField(r),
		"csrfToken":      csrf.Token(r),
		"owner":          s.config.Owner,
		"pageTitle":      pageTitle,
		"hits":           s.hits.Load(),
		"uptime":         time.Since(s.t1).Truncate(time.Second),
		"sitename":       s.config.Meta.SiteName,
		"copyrightname":  s.config.Meta.CopyrightName,
		"meta":           s.config.Meta.TemplateData,
		"year":           time.Now().Year(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("template", tname).Msg("executing template")
	}
}

// HitCounter http middleware that logs and counts
func (s *System) HitCounter(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logr(r)
		s.hits.Add(1)
		s.metrics.Request()
		h.ServeHTTP(w, r)
	})
}

func (s *System) HomeHandler(w http.ResponseWriter, r *http.Request) {
	// extract path
	p := strings.TrimPrefix(r.URL.Path, "/")
	if p == "" {
		// return OK if OPTIONS or HEAD on main page
		if r.Method == http.MethodOptions || r.Method == http.MethodHead {
			return
		}
		p = "index.html"
	}

	// only GET on main page
	if r.Method != http.MethodGet {
		http.Error(w, "bad method", http.StatusMethodNotAllowed)
		return
	}

	// 404s
	if p != "index.html" {
		if s.config.Sec.ServePublic {
			s.StaticHandler(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}

	w.Header().Set("X-CSRF-Token", csrf.Token(r))
	s.serveTemplate(w, r, p)
}

func (s *System) StaticHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "bad method on staticHandler", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Expires", time.Now().Add(time.Hour*24).UTC().Truncate(time.Second).Format(http.TimeFormat))
	// path.Clean on a rooted path never climbs above the public dir
	filename := filepath.Join(s.config.Meta.PathPublic, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
	http.ServeFile(w, r, filename)
}

// ez http log
func (s *System) logr(r *http.Request) {
	ipaddr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ipaddr = r.RemoteAddr
	}
	s.log.Info().
		Str("host", r.Host).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("ip", ipaddr).
		Str("forwarded", r.Header.Get("X-Forwarded-For")).
		Str("ua", truncate(r.UserAgent(), 50)).
		Msg("request")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
