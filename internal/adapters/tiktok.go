package adapters

import (
	"context"
	"fmt"
	"net/url"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/models"
	"github.com/socialpulse/socialpulse/internal/platform"
)

// TikTok caps video/list at 20 per page.
const tiktokMaxPage = 20

type tiktokError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	LogID   string `json:"log_id"`
}

type tiktokUserInfo struct {
	Data struct {
		User struct {
			OpenID         string `json:"open_id"`
			DisplayName    string `json:"display_name"`
			FollowerCount  *int64 `json:"follower_count"`
			FollowingCount *int64 `json:"following_count"`
			LikesCount     *int64 `json:"likes_count"`
			VideoCount     *int64 `json:"video_count"`
		} `json:"user"`
	} `json:"data"`
	Error tiktokError `json:"error"`
}

type tiktokVideoList struct {
	Data struct {
		Videos []struct {
			ID           string `json:"id"`
			LikeCount    int64  `json:"like_count"`
			CommentCount int64  `json:"comment_count"`
			ShareCount   int64  `json:"share_count"`
			ViewCount    int64  `json:"view_count"`
		} `json:"videos"`
		HasMore bool `json:"has_more"`
	} `json:"data"`
	Error tiktokError `json:"error"`
}

// TikTokAdapter reads the authorized creator through the Display API.
type TikTokAdapter struct {
	platform.Base
	client  platform.Doer
	baseURL string
	sample  int
}

func NewTikTok(accountID, accountURL string, opts Options) *TikTokAdapter {
	return &TikTokAdapter{
		Base:    platform.Base{Name: TikTok, AccountID: accountID, AccountURL: accountURL},
		client:  opts.Client,
		baseURL: opts.Endpoints.TikTok,
		sample:  opts.SampleSize,
	}
}

func (a *TikTokAdapter) IsAvailable(ctx context.Context) bool {
	if !hasCredential(&a.Base) {
		return true
	}
	return platform.Probe(ctx, a.client, a.baseURL+"/")
}

func (a *TikTokAdapter) FetchMetrics(ctx context.Context) (*models.MetricsSnapshot, error) {
	token, err := requireToken(ctx, &a.Base, "fetch")
	if err != nil {
		return nil, err
	}
	h := bearer(token)

	q := url.Values{}
	q.Set("fields", "open_id,display_name,follower_count,following_count,likes_count,video_count")
	var info tiktokUserInfo
	if _, err := platform.GetJSON(ctx, a.client, TikTok, "user_info", a.baseURL+"/user/info/?"+q.Encode(), h, &info); err != nil {
		return nil, err
	}
	if err := info.Error.classify("user_info"); err != nil {
		return nil, err
	}

	max := a.sample
	if max > tiktokMaxPage {
		max = tiktokMaxPage
	}
	q = url.Values{}
	q.Set("fields", "id,like_count,comment_count,share_count,view_count")
	var list tiktokVideoList
	if _, err := platform.PostJSON(ctx, a.client, TikTok, "video_list", a.baseURL+"/video/list/?"+q.Encode(), h,
		map[string]int{"max_count": max}, &list); err != nil {
		return nil, err
	}
	if err := list.Error.classify("video_list"); err != nil {
		return nil, err
	}

	var likes, comments, shares, views int64
	for _, v := range list.Data.Videos {
		likes += v.LikeCount
		comments += v.CommentCount
		shares += v.ShareCount
		views += v.ViewCount
	}

	user := info.Data.User
	snap := a.NewSnapshot()
	snap.Followers = user.FollowerCount
	snap.Posts = user.VideoCount
	snap.Likes = models.Int64(likes)
	snap.Comments = models.Int64(comments)
	snap.Shares = models.Int64(shares)
	snap.Views = models.Int64(views)
	snap.ComputeEngagement(len(list.Data.Videos))
	snap.SetExtra("open_id", user.OpenID)
	snap.SetExtra("display_name", user.DisplayName)
	if user.LikesCount != nil {
		snap.SetExtra("total_likes", *user.LikesCount)
	}
	if user.FollowingCount != nil {
		snap.SetExtra("following", *user.FollowingCount)
	}
	return snap, nil
}

// classify maps the envelope error code. "ok" and empty mean success.
func (e tiktokError) classify(op string) error {
	detail := fmt.Errorf("%s: %s (log_id %s)", e.Code, e.Message, e.LogID)
	switch e.Code {
	case "", "ok":
		return nil
	case "access_token_invalid", "scope_not_authorized", "scope_permission_missing":
		return errors.AuthExpired(TikTok, op, detail)
	case "rate_limit_exceeded":
		return &errors.RateLimitError{Platform: TikTok, Message: detail.Error()}
	case "internal_error":
		return errors.Transient(TikTok, op, detail)
	default:
		return errors.Malformed(TikTok, op, detail)
	}
}
