// Copyright (c) 2020 aerth <aerth@riseup.net>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// package greylist implements a basic whitelisting/blacklisting http.Handler
//
// It reads 2 files (whitelist file, blacklist file) and can refresh them
// periodically. Offenders collect strikes; after MaxStrikes within the
// temporary blacklist time they are banned for that long. Older strikes are
// forgotten.
package greylist

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTemporaryBlacklistTime = time.Hour
	DefaultMaxStrikes             = 3
	PruneInterval                 = 10 * time.Minute
)

// List is a greylist instance
type List struct {
	whitelistFilename, blacklistFilename string
	log                                  zerolog.Logger

	mu                 sync.RWMutex
	whitelist          map[string]struct{}
	blacklist          map[string]struct{}
	temporaryBlacklist map[string]time.Time
	strikes            map[string]strikes
	lastTime           time.Time

	allMethods             bool
	trustProxy             bool
	maxStrikes             int
	refreshRate            time.Duration
	temporaryBlacklistTime time.Duration
	deny                   DenyFunc
	now                    func() time.Time
}

type strikes struct {
	n     int
	first time.Time
}

// DenyFunc writes the response for a blocked request. until is zero for
// addresses in the blacklist file.
type DenyFunc func(w http.ResponseWriter, r *http.Request, until time.Time)

// New accepts whitelist filename, blacklist filename, and a refreshrate duration
// If the files don't exist or are empty, they are not used, and read errors will not be reported.
// refreshRate can be 0, in which case the files are read once.
//
// By default, only non-GET requests are protected.
// If your program demands, use l.SetAllMethods(true)
func New(whitelistFilename, blacklistFilename string, refreshRate time.Duration, log zerolog.Logger) *List {
	l := &List{
		whitelistFilename:      whitelistFilename,
		blacklistFilename:      blacklistFilename,
		log:                    log.With().Str("component", "greylist").Logger(),
		whitelist:              make(map[string]struct{}),
		blacklist:              make(map[string]struct{}),
		temporaryBlacklist:     make(map[string]time.Time),
		strikes:                make(map[string]strikes),
		maxStrikes:             DefaultMaxStrikes,
		refreshRate:            refreshRate,
		temporaryBlacklistTime: DefaultTemporaryBlacklistTime,
		now:                    time.Now,
	}
	l.deny = l.denyText
	l.RefreshLists()
	return l
}

// SetAllMethods checks GET requests too
func (l *List) SetAllMethods(b bool) {
	l.allMethods = b
}

// SetTrustProxy makes the first X-Forwarded-For entry the client address
func (l *List) SetTrustProxy(b bool) {
	l.trustProxy = b
}

// SetMaxStrikes sets how many strikes lead to a temporary ban
func (l *List) SetMaxStrikes(n int) {
	if n > 0 {
		l.maxStrikes = n
	}
}

// SetTemporaryBlacklistTime sets the duration that offenders will be
// blacklisted for. It is also how long a strike is remembered.
func (l *List) SetTemporaryBlacklistTime(d time.Duration) {
	l.temporaryBlacklistTime = d
}

// SetDenyHandler replaces the plain text 403 written by Protect
func (l *List) SetDenyHandler(fn DenyFunc) {
	if fn != nil {
		l.deny = fn
	}
}

// ClientIP returns the address a request is accounted to.
func (l *List) ClientIP(r *http.Request) string {
	if l.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Blacklist adds a temporary ban to an ip address
func (l *List) Blacklist(ip string) {
	until := l.now().Add(l.temporaryBlacklistTime)
	l.mu.Lock()
	l.temporaryBlacklist[ip] = until
	delete(l.strikes, ip)
	l.mu.Unlock()
	l.log.Warn().Str("ip", ip).Dur("for", l.temporaryBlacklistTime).Msg("temporary ban")
}

// Strike counts one offense against the request's client, banning it once
// the count reaches the strike limit. Counting restarts when the first
// strike is older than the temporary blacklist time.
func (l *List) Strike(r *http.Request) {
	ip := l.ClientIP(r)
	now := l.now()
	l.mu.Lock()
	if _, ok := l.whitelist[ip]; ok {
		l.mu.Unlock()
		return
	}
	st := l.strikes[ip]
	if st.n == 0 || l.expired(st.first, now) {
		st = strikes{first: now}
	}
	st.n++
	l.strikes[ip] = st
	l.mu.Unlock()
	if st.n >= l.maxStrikes {
		l.Blacklist(ip)
	}
}

// Strikes is the number of strikes ip currently has
func (l *List) Strikes(ip string) int {
	l.mu.RLock()
	st := l.strikes[ip]
	l.mu.RUnlock()
	if l.expired(st.first, l.now()) {
		return 0
	}
	return st.n
}

func (l *List) expired(first, now time.Time) bool {
	return !now.Before(first.Add(l.temporaryBlacklistTime))
}

// prune forgets old strikes and expired temporary bans
func (l *List) prune() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, st := range l.strikes {
		if l.expired(st.first, now) {
			delete(l.strikes, ip)
		}
	}
	for ip, until := range l.temporaryBlacklist {
		if !until.After(now) {
			delete(l.temporaryBlacklist, ip)
		}
	}
}

// Banned reports whether ip is blocked, and until when for temporary bans
// (zero time for the blacklist file). Expired bans are dropped.
func (l *List) Banned(ip string) (time.Time, bool) {
	l.mu.RLock()
	_, white := l.whitelist[ip]
	_, black := l.blacklist[ip]
	t, temporarilyBanned := l.temporaryBlacklist[ip]
	l.mu.RUnlock()
	switch {
	case white:
		return time.Time{}, false
	case black:
		return time.Time{}, true
	case !temporarilyBanned:
		return time.Time{}, false
	case t.After(l.now()):
		return t, true
	}
	l.mu.Lock()
	if t2, ok := l.temporaryBlacklist[ip]; ok && !t2.After(l.now()) {
		delete(l.temporaryBlacklist, ip)
	}
	l.mu.Unlock()
	l.log.Info().Str("ip", ip).Msg("temporary ban expired")
	return time.Time{}, false
}

// Protect wraps h, refusing blocked clients with 403
//
// http.ListenAndServe(":8080", glist.Protect(myHandler))
//
func (l *List) Protect(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// quick short circuit for GET requests
		if !l.allMethods && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
			h.ServeHTTP(w, r)
			return
		}
		ip := l.ClientIP(r)
		if until, banned := l.Banned(ip); banned {
			l.log.Debug().Str("ip", ip).Time("until", until).Msg("blocking banned ip")
			l.deny(w, r, until)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (l *List) denyText(w http.ResponseWriter, r *http.Request, until time.Time) {
	if until.IsZero() {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	http.Error(w, fmt.Sprintf("You have been blocked for %s", l.Remaining(until)), http.StatusForbidden)
}

// Remaining is how long a ban ending at until has left, to the second
func (l *List) Remaining(until time.Time) time.Duration {
	return until.Sub(l.now()).Truncate(time.Second)
}

// Run refreshes the lists every refresh interval until ctx is done. With no
// refresh interval it only forgets old strikes and bans, every PruneInterval.
func (l *List) Run(ctx context.Context) {
	interval, refresh := l.refreshRate, true
	if interval <= 0 {
		interval, refresh = PruneInterval, false
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if refresh {
				l.RefreshLists()
			} else {
				l.prune()
			}
		}
	}
}

// RefreshLists rereads the whitelist and blacklist files when they changed
// since the last refresh, and forgets old strikes. Missing or unreadable
// files are skipped. Blank lines and lines starting with # are ignored.
func (l *List) RefreshLists() {
	l.prune()
	t1 := time.Now()
	l.mu.RLock()
	since := l.lastTime
	l.mu.RUnlock()

	white, wok := l.readList(l.whitelistFilename, since)
	black, bok := l.readList(l.blacklistFilename, since)

	l.mu.Lock()
	if wok {
		l.whitelist = white
	}
	if bok {
		l.blacklist = black
	}
	l.lastTime = t1
	nw, nb := len(l.whitelist), len(l.blacklist)
	l.mu.Unlock()

	if wok || bok {
		l.log.Info().Int("whitelisted", nw).Int("blacklisted", nb).Dur("took", time.Since(t1)).Msg("refreshed lists")
	}
}

func (l *List) readList(filename string, since time.Time) (map[string]struct{}, bool) {
	if filename == "" {
		return nil, false
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.ModTime().After(since) {
		return nil, false
	}
	list := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		ip := strings.TrimSpace(scanner.Text())
		if ip == "" || strings.HasPrefix(ip, "#") {
			continue
		}
		list[ip] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		l.log.Error().Err(err).Str("file", filename).Msg("error scanning list")
		return nil, false
	}
	return list, true
}
