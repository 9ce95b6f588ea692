package adapters

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/socialpulse/socialpulse/internal/models"
	"github.com/socialpulse/socialpulse/internal/platform"
)

type bskyProfile struct {
	DID            string `json:"did"`
	Handle         string `json:"handle"`
	DisplayName    string `json:"displayName"`
	FollowersCount int64  `json:"followersCount"`
	FollowsCount   int64  `json:"followsCount"`
	PostsCount     int64  `json:"postsCount"`
}

type bskyFeed struct {
	Feed []struct {
		Post struct {
			URI    string `json:"uri"`
			Author struct {
				DID string `json:"did"`
			} `json:"author"`
			ReplyCount  int64 `json:"replyCount"`
			RepostCount int64 `json:"repostCount"`
			LikeCount   int64 `json:"likeCount"`
			QuoteCount  int64 `json:"quoteCount"`
		} `json:"post"`
		Reason *struct {
			Type string `json:"$type"`
		} `json:"reason,omitempty"`
	} `json:"feed"`
}

// BlueskyAdapter reads public profile and feed counters over XRPC. No credential is needed.
type BlueskyAdapter struct {
	platform.Base
	client  platform.Doer
	baseURL string
	sample  int
}

func NewBluesky(accountID, accountURL string, opts Options) *BlueskyAdapter {
	return &BlueskyAdapter{
		Base:    platform.Base{Name: Bluesky, AccountID: accountID, AccountURL: accountURL},
		client:  opts.Client,
		baseURL: opts.Endpoints.Bluesky,
		sample:  opts.SampleSize,
	}
}

func (a *BlueskyAdapter) IsAvailable(ctx context.Context) bool {
	return platform.Probe(ctx, a.client, a.baseURL+"/xrpc/_health")
}

func (a *BlueskyAdapter) FetchMetrics(ctx context.Context) (*models.MetricsSnapshot, error) {
	actor := strings.TrimPrefix(identity(&a.Base), "@")

	var profile bskyProfile
	if _, err := platform.GetJSON(ctx, a.client, Bluesky, "getProfile",
		a.baseURL+"/xrpc/app.bsky.actor.getProfile?actor="+url.QueryEscape(actor), nil, &profile); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("actor", actor)
	q.Set("limit", fmt.Sprint(a.sample))
	q.Set("filter", "posts_no_replies")
	var feed bskyFeed
	if _, err := platform.GetJSON(ctx, a.client, Bluesky, "getAuthorFeed",
		a.baseURL+"/xrpc/app.bsky.feed.getAuthorFeed?"+q.Encode(), nil, &feed); err != nil {
		return nil, err
	}

	var likes, replies, shares int64
	sampled := 0
	for _, item := range feed.Feed {
		// Reposts of other people's posts do not count toward this account.
		if item.Reason != nil || (profile.DID != "" && item.Post.Author.DID != profile.DID) {
			continue
		}
		likes += item.Post.LikeCount
		replies += item.Post.ReplyCount
		shares += item.Post.RepostCount + item.Post.QuoteCount
		sampled++
	}

	snap := a.NewSnapshot()
	snap.Followers = models.Int64(profile.FollowersCount)
	snap.Posts = models.Int64(profile.PostsCount)
	snap.Likes = models.Int64(likes)
	snap.Comments = models.Int64(replies)
	snap.Shares = models.Int64(shares)
	snap.ComputeEngagement(sampled)
	snap.SetExtra("handle", profile.Handle)
	snap.SetExtra("display_name", profile.DisplayName)
	snap.SetExtra("follows", profile.FollowsCount)
	snap.SetExtra("sampled_posts", sampled)
	return snap, nil
}
