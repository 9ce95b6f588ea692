package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/logging"
	"github.com/socialpulse/socialpulse/internal/models"
	"github.com/socialpulse/socialpulse/internal/platform"
)

var (
	threadsFollowers = regexp.MustCompile(`([\d.,]+[KkMmBb]?)\s+Followers`)
	threadsPosts     = regexp.MustCompile(`([\d.,]+[KkMmBb]?)\s+Threads`)
)

// ThreadsAdapter scrapes the public profile page. Threads has no public
// read API, so counters come from the page's Open Graph description.
type ThreadsAdapter struct {
	platform.Base
	client     platform.Doer
	baseURL    string
	headless   bool
	chromePath string
	logger     *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewThreads(accountID, accountURL string, opts Options) *ThreadsAdapter {
	return &ThreadsAdapter{
		Base:       platform.Base{Name: Threads, AccountID: accountID, AccountURL: accountURL},
		client:     opts.Client,
		baseURL:    opts.Endpoints.Threads,
		headless:   opts.ThreadsHeadless,
		chromePath: opts.ChromePath,
		logger:     opts.Logger,
	}
}

func (a *ThreadsAdapter) IsAvailable(ctx context.Context) bool {
	return platform.Probe(ctx, a.client, a.baseURL+"/")
}

func (a *ThreadsAdapter) profileURL() string {
	handle := strings.TrimPrefix(identity(&a.Base), "@")
	return a.baseURL + "/@" + handle
}

func (a *ThreadsAdapter) FetchMetrics(ctx context.Context) (*models.MetricsSnapshot, error) {
	target := a.profileURL()
	doc, err := a.fetchStatic(ctx, target)
	if err != nil {
		return nil, err
	}
	snap, perr := a.parse(doc)
	if perr == nil {
		return snap, nil
	}
	if !a.headless {
		return nil, perr
	}

	a.logger.DebugWithContext(ctx, "threads static parse failed, rendering headless", "url", target, "error", perr.Error())
	doc, err = a.fetchRendered(ctx, target)
	if err != nil {
		return nil, err
	}
	return a.parse(doc)
}

func (a *ThreadsAdapter) fetchStatic(ctx context.Context, target string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Malformed(Threads, "profile", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, platform.ClassifyTransport(Threads, "profile", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, platform.ClassifyStatus(Threads, "profile", resp, body)
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errors.Malformed(Threads, "profile", err)
	}
	return doc, nil
}

func (a *ThreadsAdapter) allocator() context.Context {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(1280, 900),
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if a.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(a.chromePath))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.cancel = cancel
	a.mu.Unlock()
	return allocCtx
}

func (a *ThreadsAdapter) fetchRendered(ctx context.Context, target string) (*goquery.Document, error) {
	browserCtx, cancel := chromedp.NewContext(a.allocator())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(target),
		chromedp.WaitReady(`meta[property="og:description"]`, chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Unavailable(Threads, "render", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, errors.Malformed(Threads, "render", err)
	}
	return doc, nil
}

func (a *ThreadsAdapter) parse(doc *goquery.Document) (*models.MetricsSnapshot, error) {
	desc := doc.Find(`meta[property="og:description"]`).AttrOr("content", "")
	if desc == "" {
		desc = doc.Find(`meta[name="description"]`).AttrOr("content", "")
	}
	m := threadsFollowers.FindStringSubmatch(desc)
	if m == nil {
		return nil, errors.Malformed(Threads, "profile", fmt.Errorf("no follower count in description %q", desc))
	}
	followers, ok := parseCount(m[1])
	if !ok {
		return nil, errors.Malformed(Threads, "profile", fmt.Errorf("unparseable follower count %q", m[1]))
	}

	snap := a.NewSnapshot()
	snap.Followers = models.Int64(followers)
	if p := threadsPosts.FindStringSubmatch(desc); p != nil {
		if n, ok := parseCount(p[1]); ok {
			snap.Posts = models.Int64(n)
		}
	}
	if title := doc.Find(`meta[property="og:title"]`).AttrOr("content", ""); title != "" {
		snap.SetExtra("title", title)
	}
	return snap, nil
}

// Close shuts down the headless browser, if one was started.
func (a *ThreadsAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	return nil
}
