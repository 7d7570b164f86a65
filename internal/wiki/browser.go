package wiki

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

const defaultBrowserTimeout = 30 * time.Second

// BrowserFetcher loads pages in headless Chromium via chromedp and returns
// the rendered DOM. Use it when the wiki serves content through scripts or
// rejects plain HTTP clients.
type BrowserFetcher struct {
	// Timeout bounds a single page load. If zero, defaultBrowserTimeout
	// is used.
	Timeout time.Duration

	// ReadySelector is waited on before the DOM is read. Defaults to
	// "body".
	ReadySelector string
}

// Fetch implements PageFetcher.
func (b *BrowserFetcher) Fetch(parentCtx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("wiki: page URL is empty")
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = defaultBrowserTimeout
	}
	ready := b.ReadySelector
	if ready == "" {
		ready = "body"
	}

	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()

	// Apply timeout to the entire load sequence.
	ctx, timeoutCancel := context.WithTimeout(ctx, timeout)
	defer timeoutCancel()

	var html string
	tasks := chromedp.Tasks{
		chromedp.Navigate(url),
		chromedp.WaitReady(ready, chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("wiki: chromedp load %s: %w", url, err)
	}
	return []byte(html), nil
}
