package mocks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/socialpulse/socialpulse/internal/adapters"
	"github.com/socialpulse/socialpulse/internal/platform"
)

// Post is one recent post of a fake profile.
type Post struct {
	Likes    int64
	Comments int64
	Shares   int64
}

// Profile is what the fake platforms report for one account.
type Profile struct {
	Followers int64
	Following int64
	PostCount int64
	Recent    []Post
}

// RecordedRequest is one request seen by PlatformServer.
type RecordedRequest struct {
	Platform      string
	Method        string
	Path          string
	Authorization string
	Time          time.Time
}

// SentMessage is a Bot API sendMessage call.
type SentMessage struct {
	Token  string
	ChatID string
	Text   string
}

type failure struct {
	status     int
	retryAfter time.Duration
	remaining  int // <0 means forever
}

// PlatformServer fakes the public APIs of Bluesky (XRPC), Mastodon, the
// Instagram Graph API (under /instagram) and the Telegram Bot API (under /bot).
// Point adapter endpoints at URL; Mastodon accounts use URL as their instance.
type PlatformServer struct {
	*httptest.Server

	mu        sync.Mutex
	profiles  map[string]Profile // "platform:handle"
	igTokens  map[string]string  // access token -> handle
	failures  map[string]*failure
	requests  []RecordedRequest
	sent      []SentMessage
	botTokens map[string]bool
}

// NewPlatformServer starts a server. Close it when done.
func NewPlatformServer() *PlatformServer {
	s := &PlatformServer{
		profiles:  make(map[string]Profile),
		igTokens:  make(map[string]string),
		failures:  make(map[string]*failure),
		botTokens: make(map[string]bool),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// SetProfile registers handle on platform ("bluesky", "mastodon", "instagram", "telegram").
func (s *PlatformServer) SetProfile(platform, handle string, p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[platform+":"+handle] = p
}

// SetInstagramToken makes token resolve to handle on /instagram/me.
func (s *PlatformServer) SetInstagramToken(token, handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.igTokens[token] = handle
}

// SetBotToken accepts token on the Bot API.
func (s *PlatformServer) SetBotToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.botTokens[token] = true
}

// Fail answers every request for platform with status. times < 0 fails forever.
func (s *PlatformServer) Fail(platform string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[platform] = &failure{status: status, remaining: times}
}

// RateLimit answers the next times requests for platform with 429 and Retry-After.
func (s *PlatformServer) RateLimit(platform string, retryAfter time.Duration, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[platform] = &failure{status: http.StatusTooManyRequests, retryAfter: retryAfter, remaining: times}
}

// Heal removes injected failures.
func (s *PlatformServer) Heal(platform string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, platform)
}

// Requests returns recorded requests, optionally only those of one platform.
func (s *PlatformServer) Requests(platform string) []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RecordedRequest
	for _, r := range s.requests {
		if platform == "" || r.Platform == platform {
			out = append(out, r)
		}
	}
	return out
}

// SentMessages returns the Bot API messages sent so far.
func (s *PlatformServer) SentMessages() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

// InstagramURL is the Graph API base to configure for the instagram adapter.
func (s *PlatformServer) InstagramURL() string {
	return s.URL + "/instagram"
}

// AdapterOptions points every fake-able adapter at s.
func (s *PlatformServer) AdapterOptions() adapters.Options {
	return adapters.Options{
		Client:     platform.WrapClient(s.Client()),
		SampleSize: 10,
		Endpoints: adapters.Endpoints{
			Bluesky:   s.URL,
			Instagram: s.InstagramURL(),
			Telegram:  s.URL,
		},
	}
}

func platformOf(path string) string {
	switch {
	case strings.HasPrefix(path, "/xrpc/"):
		return "bluesky"
	case strings.HasPrefix(path, "/api/v1/"):
		return "mastodon"
	case strings.HasPrefix(path, "/instagram"):
		return "instagram"
	case strings.HasPrefix(path, "/bot"):
		return "telegram"
	}
	return ""
}

func (s *PlatformServer) serve(w http.ResponseWriter, r *http.Request) {
	platform := platformOf(r.URL.Path)

	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Platform:      platform,
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		Time:          time.Now(),
	})
	f := s.failures[platform]
	if f != nil {
		if f.remaining == 0 {
			delete(s.failures, platform)
			f = nil
		} else if f.remaining > 0 {
			f.remaining--
		}
	}
	s.mu.Unlock()

	if f != nil {
		if f.retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(f.retryAfter.Seconds())))
		}
		writeJSON(w, f.status, map[string]string{"error": http.StatusText(f.status)})
		return
	}

	switch platform {
	case "bluesky":
		s.serveBluesky(w, r)
	case "mastodon":
		s.serveMastodon(w, r)
	case "instagram":
		s.serveInstagram(w, r)
	case "telegram":
		s.serveBotAPI(w, r)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *PlatformServer) profile(platform, handle string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[platform+":"+handle]
	return p, ok
}

func (s *PlatformServer) serveBluesky(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if r.URL.Path == "/xrpc/_health" {
		writeJSON(w, http.StatusOK, map[string]string{"version": "mock"})
		return
	}
	p, ok := s.profile("bluesky", actor)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "Profile not found"})
		return
	}
	did := "did:plc:" + actor
	switch r.URL.Path {
	case "/xrpc/app.bsky.actor.getProfile":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"did":            did,
			"handle":         actor,
			"followersCount": p.Followers,
			"followsCount":   p.Following,
			"postsCount":     p.PostCount,
		})
	case "/xrpc/app.bsky.feed.getAuthorFeed":
		feed := make([]map[string]interface{}, 0, len(p.Recent))
		for i, post := range p.Recent {
			feed = append(feed, map[string]interface{}{"post": map[string]interface{}{
				"uri":         fmt.Sprintf("at://%s/app.bsky.feed.post/%d", did, i),
				"author":      map[string]string{"did": did},
				"likeCount":   post.Likes,
				"replyCount":  post.Comments,
				"repostCount": post.Shares,
			}})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"feed": feed})
	default:
		http.NotFound(w, r)
	}
}

func (s *PlatformServer) serveMastodon(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/api/v1/instance":
		writeJSON(w, http.StatusOK, map[string]string{"uri": "mock"})
	case path == "/api/v1/accounts/lookup":
		acct := r.URL.Query().Get("acct")
		p, ok := s.profile("mastodon", acct)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Record not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":              acct,
			"acct":            acct,
			"followers_count": p.Followers,
			"following_count": p.Following,
			"statuses_count":  p.PostCount,
		})
	case strings.HasPrefix(path, "/api/v1/accounts/") && strings.HasSuffix(path, "/statuses"):
		acct := strings.TrimSuffix(strings.TrimPrefix(path, "/api/v1/accounts/"), "/statuses")
		p, _ := s.profile("mastodon", acct)
		statuses := make([]map[string]interface{}, 0, len(p.Recent))
		for i, post := range p.Recent {
			statuses = append(statuses, map[string]interface{}{
				"id":               strconv.Itoa(i),
				"favourites_count": post.Likes,
				"replies_count":    post.Comments,
				"reblogs_count":    post.Shares,
			})
		}
		writeJSON(w, http.StatusOK, statuses)
	default:
		http.NotFound(w, r)
	}
}

func (s *PlatformServer) serveInstagram(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/instagram/" || r.URL.Path == "/instagram" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	token := r.URL.Query().Get("access_token")
	s.mu.Lock()
	handle, ok := s.igTokens[token]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": map[string]interface{}{
			"message": "Invalid OAuth access token.",
			"type":    "OAuthException",
			"code":    190,
		}})
		return
	}
	p, _ := s.profile("instagram", handle)

	switch r.URL.Path {
	case "/instagram/me":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":              "ig-" + handle,
			"username":        handle,
			"followers_count": p.Followers,
			"follows_count":   p.Following,
			"media_count":     p.PostCount,
		})
	case "/instagram/me/permissions":
		if r.Method != http.MethodDelete {
			http.NotFound(w, r)
			return
		}
		s.mu.Lock()
		delete(s.igTokens, token)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case "/instagram/refresh_access_token":
		fresh := token + "-refreshed"
		s.mu.Lock()
		s.igTokens[fresh] = handle
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token": fresh,
			"token_type":   "bearer",
			"expires_in":   int64((60 * 24 * time.Hour).Seconds()),
		})
	case "/instagram/me/media":
		data := make([]map[string]interface{}, 0, len(p.Recent))
		for i, post := range p.Recent {
			data = append(data, map[string]interface{}{
				"id":             strconv.Itoa(i),
				"like_count":     post.Likes,
				"comments_count": post.Comments,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
	default:
		http.NotFound(w, r)
	}
}

// serveBotAPI answers /bot<token>/<method> the way api.telegram.org does.
func (s *PlatformServer) serveBotAPI(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/bot")
	token, method, _ := strings.Cut(rest, "/")
	_ = r.ParseForm()

	s.mu.Lock()
	known := s.botTokens[token]
	s.mu.Unlock()
	if !known {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"ok": false, "error_code": 401, "description": "Unauthorized"})
		return
	}

	switch method {
	case "getMe":
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "result": map[string]interface{}{
			"id": 1, "is_bot": true, "first_name": "mock", "username": "mock_bot",
		}})
	case "sendMessage":
		s.mu.Lock()
		s.sent = append(s.sent, SentMessage{Token: token, ChatID: r.Form.Get("chat_id"), Text: r.Form.Get("text")})
		s.mu.Unlock()
		chatID, _ := strconv.ParseInt(r.Form.Get("chat_id"), 10, 64)
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "result": map[string]interface{}{
			"message_id": len(s.SentMessages()),
			"date":       time.Now().Unix(),
			"chat":       map[string]interface{}{"id": chatID, "type": "private"},
			"text":       r.Form.Get("text"),
		}})
	case "getChat":
		chat := strings.TrimPrefix(r.Form.Get("chat_id"), "@")
		if _, ok := s.profile("telegram", chat); !ok {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error_code": 400, "description": "Bad Request: chat not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "result": map[string]interface{}{
			"id": -100, "type": "channel", "title": chat, "username": chat,
		}})
	case "getChatMemberCount", "getChatMembersCount":
		p, _ := s.profile("telegram", strings.TrimPrefix(r.Form.Get("chat_id"), "@"))
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "result": p.Followers})
	default:
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"ok": false, "error_code": 404, "description": "Not Found"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
