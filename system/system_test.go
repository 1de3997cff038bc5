package system

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaswantsoni1128/webd/config"
	"github.com/yaswantsoni1128/webd/contact"
	"github.com/yaswantsoni1128/webd/greylist"
)

const indexTemplate = `<html><head><title>{{.pageTitle}}</title>
<meta name="csrf-token" content="{{.csrfToken}}"></head>
<body><h1>{{.owner.Name}}</h1>{{template "footer" .}}</body></html>`

const footerPartial = `{{define "footer"}}<footer>&copy; {{.year}} {{.copyrightname}}</footer>{{end}}`

const validBody = `{"firstName":"Ada","lastName":"Lovelace","email":"ada@example.com","subject":"Hi","message":"Hello there"}`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	templates := filepath.Join(dir, "templates")
	public := filepath.Join(dir, "public")
	require.NoError(t, os.MkdirAll(filepath.Join(templates, "_partials"), 0700))
	require.NoError(t, os.MkdirAll(public, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(templates, "index.html"), []byte(indexTemplate), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(templates, "_partials", "footer.html"), []byte(footerPartial), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(public, "robots.txt"), []byte("User-agent: *\n"), 0600))

	cfg := config.Default()
	cfg.Meta.SiteName = "Test Site"
	cfg.Meta.SiteURL = "http://localhost:8080"
	cfg.Meta.CopyrightName = "Ada"
	cfg.Meta.DevelopmentMode = true
	cfg.Meta.PathTemplates = templates
	cfg.Meta.PathPublic = public
	cfg.Owner.Name = "Ada Lovelace"
	cfg.Sec.CSRFKey = strings.Repeat("k", 32)
	cfg.Sec.Database = filepath.Join(dir, "webd.db")
	return *cfg
}

func newTestSystem(t *testing.T, cfg config.Config) *System {
	t.Helper()
	s, err := New(cfg, zerolog.Nop(), WithRelay(nil))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func do(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func postContact(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/contact", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.RemoteAddr = "192.0.2.1:4000"
	return r
}

func TestHome(t *testing.T) {
	h := newTestSystem(t, testConfig(t)).Router()

	rec := do(h, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<title>Test Site | Home</title>")
	assert.Contains(t, body, "<h1>Ada Lovelace</h1>")
	assert.Contains(t, body, "&copy; ")
	assert.NotEmpty(t, rec.Header().Get("X-CSRF-Token"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "default-src 'self' localhost")

	rec = do(h, httptest.NewRequest(http.MethodHead, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = do(h, httptest.NewRequest(http.MethodGet, "/nope.html", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// state changing methods need a token
	rec = do(h, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStatic(t *testing.T) {
	cfg := testConfig(t)
	h := newTestSystem(t, cfg).Router()

	rec := do(h, httptest.NewRequest(http.MethodGet, "/robots.txt", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "User-agent: *\n", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Expires"))

	rec = do(h, httptest.NewRequest(http.MethodPost, "/robots.txt", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	// unrouted public files only with servepublic
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Meta.PathPublic, "cv.pdf"), []byte("pdf"), 0600))
	rec = do(h, httptest.NewRequest(http.MethodGet, "/cv.pdf", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	cfg.Sec.ServePublic = true
	cfg.Sec.Database = ""
	h = newTestSystem(t, cfg).Router()
	rec = do(h, httptest.NewRequest(http.MethodGet, "/cv.pdf", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pdf", rec.Body.String())
}

func TestUnknownAPI(t *testing.T) {
	h := newTestSystem(t, testConfig(t)).Router()
	rec := do(h, httptest.NewRequest(http.MethodGet, "/api/nothing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"not found"}`, rec.Body.String())
}

func TestContactSameOrigin(t *testing.T) {
	h := newTestSystem(t, testConfig(t)).Router()

	// no token
	rec := do(h, postContact(validBody))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"forbidden"}`, rec.Body.String())

	// token and cookie from the home page
	page := do(h, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, page.Code)
	token := page.Header().Get("X-CSRF-Token")
	require.NotEmpty(t, token)

	r := postContact(validBody)
	r.Header.Set("X-CSRF-Token", token)
	for _, c := range page.Result().Cookies() {
		r.AddCookie(c)
	}
	rec = do(h, r)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res contact.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, contact.MsgSent, res.Message)
}

func TestContactCrossOrigin(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sec.CORSOrigins = []string{"https://front.example"}
	s := newTestSystem(t, cfg)
	h := s.Router()

	pre := httptest.NewRequest(http.MethodOptions, "/api/contact", nil)
	pre.Header.Set("Origin", "https://front.example")
	pre.Header.Set("Access-Control-Request-Method", http.MethodPost)
	pre.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rec := do(h, pre)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://front.example", rec.Header().Get("Access-Control-Allow-Origin"))

	r := postContact(validBody)
	r.Header.Set("Origin", "https://front.example")
	rec = do(h, r)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "https://front.example", rec.Header().Get("Access-Control-Allow-Origin"))

	r = postContact(validBody)
	r.Header.Set("Origin", "https://evil.example")
	rec = do(h, r)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	assert.Equal(t, uint64(2), s.Stats().Submissions[string(contact.Skipped)])
}

func TestMalformedSubmissionsGetBanned(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sec.CORSOrigins = []string{"*"}
	s := newTestSystem(t, cfg)
	s.SetGreylist(greylist.New("", "", 0, zerolog.Nop()))
	h := s.Router()

	for i := 0; i < greylist.DefaultMaxStrikes; i++ {
		rec := do(h, postContact(`{not json`))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}
	rec := do(h, postContact(validBody))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	var res contact.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), rec.Body.String())
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Too many invalid requests, try again in ")

	// someone else is fine
	r := postContact(validBody)
	r.RemoteAddr = "192.0.2.2:4000"
	assert.Equal(t, http.StatusOK, do(h, r).Code)

	stats := s.Stats()
	assert.Equal(t, uint64(greylist.DefaultMaxStrikes), stats.Submissions[string(contact.Rejected)])
	assert.Equal(t, uint64(1), stats.Submissions[string(contact.Skipped)])
}

func TestFieldMistakesAreNotBanned(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sec.CORSOrigins = []string{"*"}
	s := newTestSystem(t, cfg)
	s.SetGreylist(greylist.New("", "", 0, zerolog.Nop()))
	h := s.Router()

	bad := strings.Replace(validBody, "ada@example.com", "ada-at-example.com", 1)
	for i := 0; i < 2*greylist.DefaultMaxStrikes; i++ {
		require.Equal(t, http.StatusBadRequest, do(h, postContact(bad)).Code)
	}
	rec := do(h, postContact(validBody))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestStatsWhileFlushing(t *testing.T) {
	s := newTestSystem(t, testConfig(t))
	const total = 100
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			s.hits.Add(1)
			s.flushHits()
		}
	}()
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		require.LessOrEqual(t, s.Stats().Hits, uint64(total))
	}
	assert.Equal(t, uint64(total), s.Stats().Hits)
}

func TestStatusAndMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sec.CORSOrigins = []string{"*"}
	h := newTestSystem(t, cfg).Router()

	do(h, httptest.NewRequest(http.MethodGet, "/", nil))
	do(h, postContact(validBody))

	rec := do(h, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, uint64(3), stats.Hits)
	assert.Equal(t, uint64(1), stats.Submissions["skipped"])

	rec = do(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `webd_contact_submissions_total{outcome="skipped"} 1`)
	assert.Contains(t, string(body), `webd_contact_submissions_total{outcome="failed"} 0`)
	assert.Contains(t, string(body), "webd_http_requests_total 4")
}

func TestHitsSurviveRestart(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg, zerolog.Nop(), WithRelay(nil))
	require.NoError(t, err)
	h := s.Router()
	for i := 0; i < 5; i++ {
		do(h, httptest.NewRequest(http.MethodGet, "/", nil))
	}
	s.flushHits()
	do(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, uint64(6), s.Stats().Hits)
	require.NoError(t, s.Close())

	s = newTestSystem(t, cfg)
	assert.Equal(t, uint64(6), s.Stats().Hits)
}

func TestReloadTemplates(t *testing.T) {
	cfg := testConfig(t)
	s := newTestSystem(t, cfg)
	h := s.Router()

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Meta.PathTemplates, "index.html"), []byte(`<p>{{.sitename}} v2</p>`), 0600))
	assert.NotContains(t, do(h, httptest.NewRequest(http.MethodGet, "/", nil)).Body.String(), "v2")

	require.NoError(t, s.ReloadTemplates())
	assert.Contains(t, do(h, httptest.NewRequest(http.MethodGet, "/", nil)).Body.String(), "<p>Test Site v2</p>")

	// a broken template keeps the old set
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Meta.PathTemplates, "index.html"), []byte(`{{.sitename`), 0600))
	assert.Error(t, s.ReloadTemplates())
	assert.Contains(t, do(h, httptest.NewRequest(http.MethodGet, "/", nil)).Body.String(), "v2")
}

func TestNewErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Meta.PathTemplates = filepath.Join(t.TempDir(), "missing")
	_, err := New(cfg, zerolog.Nop())
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Sec.Database = filepath.Join(t.TempDir(), "missing", "webd.db")
	_, err = New(cfg, zerolog.Nop())
	assert.Error(t, err)
}
