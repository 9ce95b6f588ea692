package adapters

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/models"
	"github.com/socialpulse/socialpulse/internal/platform"
	"github.com/socialpulse/socialpulse/pkg/headers"
)

// YouTubeAdapter reads channel statistics through the Data API v3. A stored
// OAuth token is preferred; the configured API key covers public channels.
type YouTubeAdapter struct {
	platform.Base
	client   *platform.RotatingClient
	endpoint string
	apiKey   string
	sample   int
}

func NewYouTube(accountID, accountURL string, opts Options) *YouTubeAdapter {
	return &YouTubeAdapter{
		Base:     platform.Base{Name: YouTube, AccountID: accountID, AccountURL: accountURL},
		client:   opts.Client,
		endpoint: opts.Endpoints.YouTube,
		apiKey:   opts.YouTubeAPIKey,
		sample:   opts.SampleSize,
	}
}

func (a *YouTubeAdapter) IsAvailable(ctx context.Context) bool {
	return platform.Probe(ctx, a.client, a.endpoint)
}

// keyTransport appends the API key to every request. option.WithAPIKey is
// ignored once a custom HTTP client is supplied.
type keyTransport struct {
	key  string
	base http.RoundTripper
}

func (t *keyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	q := r.URL.Query()
	q.Set("key", t.key)
	r.URL.RawQuery = q.Encode()
	return t.base.RoundTrip(r)
}

func (a *YouTubeAdapter) service(ctx context.Context) (*youtube.Service, error) {
	base := a.client.HTTPClient()
	var hc *http.Client
	if token, ok := a.Token(ctx); ok {
		ctx := context.WithValue(ctx, oauth2.HTTPClient, base)
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	} else if a.apiKey != "" {
		rt := base.Transport
		if rt == nil {
			rt = http.DefaultTransport
		}
		hc = &http.Client{Timeout: base.Timeout, Transport: &keyTransport{key: a.apiKey, base: rt}}
	} else {
		return nil, errors.MissingCredential(YouTube, "fetch")
	}
	svc, err := youtube.NewService(ctx, option.WithHTTPClient(hc), option.WithEndpoint(a.endpoint))
	if err != nil {
		return nil, errors.Unavailable(YouTube, "init", err)
	}
	return svc, nil
}

func (a *YouTubeAdapter) FetchMetrics(ctx context.Context) (*models.MetricsSnapshot, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	id := identity(&a.Base)
	call := svc.Channels.List([]string{"id", "snippet", "statistics", "contentDetails"}).MaxResults(1)
	switch {
	case strings.HasPrefix(id, "@"):
		call = call.ForHandle(id)
	case strings.HasPrefix(id, "UC") && len(id) == 24:
		call = call.Id(id)
	default:
		call = call.ForUsername(id)
	}
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogle("channels", err)
	}
	if len(resp.Items) == 0 {
		return nil, errors.Unavailable(YouTube, "channels", fmt.Errorf("channel %q not found", id))
	}
	channel := resp.Items[0]
	if channel.Statistics == nil {
		return nil, errors.Malformed(YouTube, "channels", fmt.Errorf("channel %s has no statistics", channel.Id))
	}

	snap := a.NewSnapshot()
	st := channel.Statistics
	if !st.HiddenSubscriberCount {
		snap.Followers = models.Int64(int64(st.SubscriberCount))
	}
	snap.Posts = models.Int64(int64(st.VideoCount))
	snap.Views = models.Int64(int64(st.ViewCount))
	snap.SetExtra("channel_id", channel.Id)
	if channel.Snippet != nil {
		snap.SetExtra("title", channel.Snippet.Title)
	}

	if channel.ContentDetails == nil || channel.ContentDetails.RelatedPlaylists == nil ||
		channel.ContentDetails.RelatedPlaylists.Uploads == "" {
		return snap, nil
	}
	items, err := svc.PlaylistItems.List([]string{"contentDetails"}).
		PlaylistId(channel.ContentDetails.RelatedPlaylists.Uploads).
		MaxResults(int64(a.sample)).
		Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogle("uploads", err)
	}
	ids := make([]string, 0, len(items.Items))
	for _, it := range items.Items {
		if it.ContentDetails != nil && it.ContentDetails.VideoId != "" {
			ids = append(ids, it.ContentDetails.VideoId)
		}
	}
	if len(ids) == 0 {
		return snap, nil
	}
	videos, err := svc.Videos.List([]string{"statistics"}).Id(ids...).Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogle("videos", err)
	}
	var likes, comments int64
	sampled := 0
	for _, v := range videos.Items {
		if v.Statistics == nil {
			continue
		}
		likes += int64(v.Statistics.LikeCount)
		comments += int64(v.Statistics.CommentCount)
		sampled++
	}
	snap.Likes = models.Int64(likes)
	snap.Comments = models.Int64(comments)
	snap.ComputeEngagement(sampled)
	snap.SetExtra("sampled_videos", sampled)
	return snap, nil
}

// classifyGoogle maps googleapi errors onto the collection taxonomy.
func classifyGoogle(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return platform.ClassifyTransport(YouTube, op, err)
	}
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "quotaExceeded", "rateLimitExceeded", "userRateLimitExceeded", "dailyLimitExceeded":
			return &errors.RateLimitError{Platform: YouTube, RetryAfter: retryAfter(gerr.Header), Message: gerr.Message}
		}
	}
	switch {
	case gerr.Code == http.StatusUnauthorized, gerr.Code == http.StatusForbidden:
		return errors.AuthExpired(YouTube, op, gerr)
	case gerr.Code == http.StatusTooManyRequests:
		return &errors.RateLimitError{Platform: YouTube, RetryAfter: retryAfter(gerr.Header), Message: gerr.Message}
	case gerr.Code == http.StatusNotFound:
		return errors.Unavailable(YouTube, op, gerr)
	case gerr.Code >= 500:
		return errors.Transient(YouTube, op, gerr)
	default:
		return errors.Malformed(YouTube, op, gerr)
	}
}

func retryAfter(h http.Header) time.Duration {
	now := time.Now()
	return headers.Parse(h, now).Wait(now)
}
