package evaluate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/tutu-network/appgrader/internal/domain"
)

// ─── Browser checker ────────────────────────────────────────────────────────

// BrowserChecker renders the page in headless Chrome and waits for the
// expected selector and text.
type BrowserChecker struct {
	ExecPath string // optional Chrome binary; empty lets chromedp find one
}

// Check implements domain.PageChecker. A page that never shows the
// expectation is a failed report, not an error.
func (b BrowserChecker) Check(ctx context.Context, pageURL string, exp domain.PageExpectation) (domain.PageReport, error) {
	opts := chromedp.DefaultExecAllocatorOptions[:]
	if b.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.ExecPath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	// Start the browser outside the page budget.
	if err := chromedp.Run(browserCtx); err != nil {
		return domain.PageReport{}, fmt.Errorf("start browser: %w", err)
	}

	runCtx, cancel := context.WithTimeout(browserCtx, exp.Timeout)
	defer cancel()

	err := chromedp.Run(runCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitVisible(exp.Selector, chromedp.ByQuery),
	)
	if err != nil {
		return domain.PageReport{Detail: fmt.Sprintf("waiting for %q: %v", exp.Selector, err)}, nil
	}
	if exp.Text == "" {
		return domain.PageReport{Passed: true, Detail: exp.Selector + " visible"}, nil
	}

	js := fmt.Sprintf(`document.body !== null && document.body.innerText.toLowerCase().includes(%q)`,
		strings.ToLower(exp.Text))
	for {
		var found bool
		if err := chromedp.Run(runCtx, chromedp.Evaluate(js, &found)); err != nil {
			return domain.PageReport{Detail: fmt.Sprintf("waiting for text %q: %v", exp.Text, err)}, nil
		}
		if found {
			return domain.PageReport{Passed: true, Detail: fmt.Sprintf("text %q visible", exp.Text)}, nil
		}
		select {
		case <-runCtx.Done():
			return domain.PageReport{Detail: fmt.Sprintf("text %q not shown within %s", exp.Text, exp.Timeout)}, nil
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// ─── Static checker ─────────────────────────────────────────────────────────

// StaticChecker fetches the page source without running scripts. It serves
// offline runs, where pages are file:// URLs written by the local publisher,
// and pages whose text is rendered statically.
type StaticChecker struct {
	Client *http.Client
	Poll   time.Duration // delay between fetches while the page is not ready
}

// Check implements domain.PageChecker. The selector is not evaluated; the
// page must load and contain the expected text, case-insensitively.
func (s StaticChecker) Check(ctx context.Context, pageURL string, exp domain.PageExpectation) (domain.PageReport, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return domain.PageReport{}, fmt.Errorf("parse page url: %w", err)
	}
	poll := s.Poll
	if poll <= 0 {
		poll = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, exp.Timeout)
	defer cancel()

	var last string
	for {
		body, err := s.fetch(ctx, u)
		switch {
		case err != nil:
			last = err.Error()
		case strings.TrimSpace(body) == "":
			last = "page is empty"
		case exp.Text == "" || strings.Contains(strings.ToLower(body), strings.ToLower(exp.Text)):
			return domain.PageReport{Passed: true, Detail: "page loaded"}, nil
		default:
			last = fmt.Sprintf("text %q not found", exp.Text)
		}
		select {
		case <-ctx.Done():
			return domain.PageReport{Detail: last}, nil
		case <-time.After(poll):
		}
	}
}

func (s StaticChecker) fetch(ctx context.Context, u *url.URL) (string, error) {
	if u.Scheme == "file" {
		data, err := os.ReadFile(u.Path)
		return string(data), err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.New("page returned " + resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	return string(data), err
}
