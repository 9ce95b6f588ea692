package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/models"
	"github.com/socialpulse/socialpulse/internal/platform"
)

type igUser struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	FollowersCount *int64 `json:"followers_count"`
	FollowsCount   *int64 `json:"follows_count"`
	MediaCount     *int64 `json:"media_count"`
}

type igMedia struct {
	Data []struct {
		ID            string `json:"id"`
		LikeCount     int64  `json:"like_count"`
		CommentsCount int64  `json:"comments_count"`
	} `json:"data"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Subcode int    `json:"error_subcode"`
	} `json:"error"`
}

// Graph API error codes.
const (
	graphCodeInvalidToken = 190
	graphCodeAppLimit     = 4
	graphCodeUserLimit    = 17
	graphCodeAPILimit     = 613
	graphCodePermission   = 10
)

// InstagramAdapter reads a professional account through the Instagram Graph API.
type InstagramAdapter struct {
	platform.Base
	client  platform.Doer
	baseURL string
	sample  int
}

func NewInstagram(accountID, accountURL string, opts Options) *InstagramAdapter {
	return &InstagramAdapter{
		Base:    platform.Base{Name: Instagram, AccountID: accountID, AccountURL: accountURL},
		client:  opts.Client,
		baseURL: opts.Endpoints.Instagram,
		sample:  opts.SampleSize,
	}
}

func (a *InstagramAdapter) IsAvailable(ctx context.Context) bool {
	if !hasCredential(&a.Base) {
		// FetchMetrics reports it as AuthExpired.
		return true
	}
	return platform.Probe(ctx, a.client, a.baseURL+"/")
}

func (a *InstagramAdapter) FetchMetrics(ctx context.Context) (*models.MetricsSnapshot, error) {
	token, err := requireToken(ctx, &a.Base, "fetch")
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("fields", "id,username,followers_count,follows_count,media_count")
	q.Set("access_token", token)
	var user igUser
	if err := a.graph(ctx, "me", "/me?"+q.Encode(), &user); err != nil {
		return nil, err
	}

	q = url.Values{}
	q.Set("fields", "id,like_count,comments_count")
	q.Set("limit", fmt.Sprint(a.sample))
	q.Set("access_token", token)
	var media igMedia
	if err := a.graph(ctx, "media", "/me/media?"+q.Encode(), &media); err != nil {
		return nil, err
	}

	var likes, comments int64
	for _, m := range media.Data {
		likes += m.LikeCount
		comments += m.CommentsCount
	}

	snap := a.NewSnapshot()
	snap.Followers = user.FollowersCount
	snap.Posts = user.MediaCount
	snap.Likes = models.Int64(likes)
	snap.Comments = models.Int64(comments)
	snap.ComputeEngagement(len(media.Data))
	snap.SetExtra("username", user.Username)
	if user.FollowsCount != nil {
		snap.SetExtra("follows", *user.FollowsCount)
	}
	snap.SetExtra("sampled_posts", len(media.Data))
	return snap, nil
}

// graph performs a GET and maps Graph API error payloads onto the taxonomy.
func (a *InstagramAdapter) graph(ctx context.Context, op, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return errors.Malformed(Instagram, op, err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return platform.ClassifyTransport(Instagram, op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return platform.ClassifyTransport(Instagram, op, err)
	}

	if resp.StatusCode >= 300 {
		var ge graphError
		if json.Unmarshal(body, &ge) == nil && ge.Error.Code != 0 {
			detail := fmt.Errorf("graph error %d: %s", ge.Error.Code, ge.Error.Message)
			switch ge.Error.Code {
			case graphCodeInvalidToken, graphCodePermission:
				return errors.AuthExpired(Instagram, op, detail)
			case graphCodeAppLimit, graphCodeUserLimit, graphCodeAPILimit:
				return &errors.RateLimitError{Platform: Instagram, Message: detail.Error()}
			}
		}
		return platform.ClassifyStatus(Instagram, op, resp, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Malformed(Instagram, op, fmt.Errorf("decode: %w", err))
	}
	return nil
}
