package system

import (
	"net/http"

	"github.com/go-chi/cors"
	"github.com/gorilla/csrf"
)

// static files served from the public dir
var staticPaths = []string{
	"/favicon.png",
	"/favicon.ico",
	"/css/",
	"/js/",
	"/img/",
	"/webfonts/",
	"/.well-known/",
	"/robots.txt",
	"/humans.txt",
	"/sitemap.xml",
}

// Router builds the site's handler tree, wrapped in HitCounter.
//
// The contact endpoint is CSRF protected like the home page unless
// cors-origins is set, in which case it is called from another origin that
// never sees our token, and CORS guards it instead.
func (s *System) Router() http.Handler {
	CSRF := csrf.Protect([]byte(s.config.Sec.CSRFKey),
		csrf.Secure(!s.config.Meta.DevelopmentMode),
		csrf.FieldName("_csrf"),
		csrf.CookieName(s.config.Sec.CookieName+"_csrf"),
		csrf.Path("/"),
		csrf.ErrorHandler(http.HandlerFunc(s.csrfFailure)))

	var contactHandler http.Handler = s.contact
	if s.greylist != nil {
		contactHandler = s.greylist.Protect(contactHandler)
	}
	if origins := s.config.Sec.CORSOrigins; len(origins) > 0 {
		contactHandler = cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		})(contactHandler)
	} else {
		contactHandler = CSRF(contactHandler)
	}

	router := &http.ServeMux{}
	router.Handle("/api/contact", contactHandler)
	router.Handle("/api/", http.HandlerFunc(s.ApiHandler))

	for _, p := range staticPaths {
		router.Handle(p, http.HandlerFunc(s.StaticHandler))
	}

	router.Handle("/status", http.HandlerFunc(s.StatusHandler))
	router.Handle("/metrics", s.metrics.Handler())

	// home and 404s (OR rest of files in ./public if config allows)
	router.Handle("/", CSRF(http.HandlerFunc(s.HomeHandler)))

	return s.HitCounter(router)
}
