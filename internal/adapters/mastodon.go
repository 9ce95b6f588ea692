package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/models"
	"github.com/socialpulse/socialpulse/internal/platform"
)

type mastAccount struct {
	ID             string `json:"id"`
	Acct           string `json:"acct"`
	DisplayName    string `json:"display_name"`
	FollowersCount int64  `json:"followers_count"`
	FollowingCount int64  `json:"following_count"`
	StatusesCount  int64  `json:"statuses_count"`
}

type mastStatus struct {
	ID              string `json:"id"`
	FavouritesCount int64  `json:"favourites_count"`
	ReblogsCount    int64  `json:"reblogs_count"`
	RepliesCount    int64  `json:"replies_count"`
}

// MastodonAdapter reads an account on any Mastodon-compatible instance.
// The instance is taken from the account URL. A bound token is optional.
type MastodonAdapter struct {
	platform.Base
	client   platform.Doer
	instance string
	acct     string
	sample   int
}

// NewMastodon parses the instance and account handle from accountURL,
// e.g. https://mastodon.social/@alice.
func NewMastodon(accountID, accountURL string, opts Options) (*MastodonAdapter, error) {
	u, err := url.Parse(accountURL)
	if err != nil || u.Host == "" {
		return nil, errors.Unavailable(Mastodon, "init", fmt.Errorf("account URL %q does not name an instance", accountURL))
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	acct := strings.TrimPrefix(strings.Trim(u.Path, "/"), "@")
	if i := strings.Index(acct, "/"); i >= 0 {
		acct = acct[:i]
	}
	return &MastodonAdapter{
		Base:     platform.Base{Name: Mastodon, AccountID: accountID, AccountURL: accountURL},
		client:   opts.Client,
		instance: scheme + "://" + u.Host,
		acct:     acct,
		sample:   opts.SampleSize,
	}, nil
}

func (a *MastodonAdapter) IsAvailable(ctx context.Context) bool {
	return platform.Probe(ctx, a.client, a.instance+"/api/v1/instance")
}

func (a *MastodonAdapter) header(ctx context.Context) http.Header {
	if token, ok := a.Token(ctx); ok {
		return bearer(token)
	}
	return nil
}

func (a *MastodonAdapter) FetchMetrics(ctx context.Context) (*models.MetricsSnapshot, error) {
	acct := a.acct
	if acc := a.Account(); acc != nil && acc.ExternalID != "" && acct == "" {
		acct = strings.TrimPrefix(acc.ExternalID, "@")
	}
	h := a.header(ctx)

	var account mastAccount
	if _, err := platform.GetJSON(ctx, a.client, Mastodon, "lookup",
		a.instance+"/api/v1/accounts/lookup?acct="+url.QueryEscape(acct), h, &account); err != nil {
		return nil, err
	}
	if account.ID == "" {
		return nil, errors.Malformed(Mastodon, "lookup", fmt.Errorf("account %q has no id", acct))
	}

	q := url.Values{}
	q.Set("limit", fmt.Sprint(a.sample))
	q.Set("exclude_reblogs", "true")
	q.Set("exclude_replies", "true")
	var statuses []mastStatus
	if _, err := platform.GetJSON(ctx, a.client, Mastodon, "statuses",
		a.instance+"/api/v1/accounts/"+url.PathEscape(account.ID)+"/statuses?"+q.Encode(), h, &statuses); err != nil {
		return nil, err
	}

	var favs, replies, boosts int64
	for _, s := range statuses {
		favs += s.FavouritesCount
		replies += s.RepliesCount
		boosts += s.ReblogsCount
	}

	snap := a.NewSnapshot()
	snap.Followers = models.Int64(account.FollowersCount)
	snap.Posts = models.Int64(account.StatusesCount)
	snap.Likes = models.Int64(favs)
	snap.Comments = models.Int64(replies)
	snap.Shares = models.Int64(boosts)
	snap.ComputeEngagement(len(statuses))
	snap.SetExtra("acct", account.Acct)
	snap.SetExtra("display_name", account.DisplayName)
	snap.SetExtra("following", account.FollowingCount)
	snap.SetExtra("instance", a.instance)
	return snap, nil
}
