// Package probe performs bounded network checks against destination URLs
// and classifies the result. A Checker holds no mutable state, so the
// audit scheduler can run many checks concurrently without synchronization.
package probe

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/linkpulse/linkpulse/internal/config"
	"github.com/linkpulse/linkpulse/internal/errx"
)

// maxBodyBytes caps how much of a response body the availability
// heuristic will read.
const maxBodyBytes = 512 << 10

// Checker probes destination URLs. Safe for concurrent use.
type Checker struct {
	client            *http.Client
	timeout           time.Duration
	maxRedirects      int
	checkAvailability bool
	requireTag        bool
	tagPattern        *regexp.Regexp
	userAgent         string
}

// NewChecker builds a Checker from probe configuration. An invalid tag
// pattern is a configuration error surfaced immediately.
func NewChecker(cfg config.ProbeConfig, client *http.Client) (*Checker, error) {
	const op = "probe.NewChecker"

	var tagPattern *regexp.Regexp
	if cfg.RequireTag {
		re, err := regexp.Compile(cfg.TagPattern)
		if err != nil {
			return nil, errx.E(op, errx.Invalid, err)
		}
		tagPattern = re
	}

	if client == nil {
		client = &http.Client{
			// Redirects are followed manually so hops can be counted
			// and the final URL classified.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	return &Checker{
		client:            client,
		timeout:           cfg.Timeout,
		maxRedirects:      cfg.MaxRedirects,
		checkAvailability: cfg.CheckAvailability,
		requireTag:        cfg.RequireTag,
		tagPattern:        tagPattern,
		userAgent:         cfg.UserAgent,
	}, nil
}

// Check probes one destination URL and returns its classified Outcome.
// The only error return is a configuration error (malformed URL); every
// network condition is reported as an Outcome.
func (c *Checker) Check(ctx context.Context, rawURL string) (Outcome, error) {
	const op = "probe.Checker.Check"

	origin, err := parseDestinationURL(rawURL)
	if err != nil {
		return Outcome{}, errx.E(op, errx.Invalid, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	outcome := c.follow(ctx, origin)
	outcome.CheckedAt = start
	outcome.Latency = time.Since(start)
	return outcome, nil
}

// follow walks the redirect chain starting at origin and classifies where
// it ends up.
func (c *Checker) follow(ctx context.Context, origin *url.URL) Outcome {
	current := origin
	seen := map[string]bool{origin.String(): true}

	for hops := 0; ; hops++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current.String(), nil)
		if err != nil {
			return Outcome{Status: StatusBroken, Reason: ReasonDNS, FinalURL: current.String(), Hops: hops}
		}
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.client.Do(req)
		if err != nil {
			return Outcome{
				Status:   StatusBroken,
				Reason:   classifyTransportError(err),
				FinalURL: current.String(),
				Hops:     hops,
			}
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			drainAndClose(resp.Body)

			next, err := redirectTarget(current, resp)
			if err != nil {
				return Outcome{
					Status:     StatusRedirectError,
					FinalURL:   current.String(),
					HTTPStatus: resp.StatusCode,
					Hops:       hops,
				}
			}
			if hops+1 > c.maxRedirects || seen[next.String()] {
				return Outcome{
					Status:     StatusBroken,
					Reason:     ReasonTooManyRedirects,
					FinalURL:   next.String(),
					HTTPStatus: resp.StatusCode,
					Hops:       hops + 1,
				}
			}
			seen[next.String()] = true
			current = next
			continue
		}

		return c.classifyFinal(origin, current, resp, hops)
	}
}

// classifyFinal inspects the terminal response of the chain.
func (c *Checker) classifyFinal(origin, final *url.URL, resp *http.Response, hops int) Outcome {
	defer drainAndClose(resp.Body)

	out := Outcome{
		FinalURL:   final.String(),
		HTTPStatus: resp.StatusCode,
		Hops:       hops,
	}

	switch {
	case resp.StatusCode >= 500:
		out.Status = StatusBroken
		out.Reason = Reason5xx
		return out
	case resp.StatusCode >= 400:
		out.Status = StatusBroken
		out.Reason = Reason4xx
		return out
	}

	// A chain that leaves the original host and lands on a shallow or
	// error-looking page means the product link effectively died even
	// though the response is a 200.
	if hops > 0 && suspiciousRedirect(origin, final) {
		out.Status = StatusRedirectError
		return out
	}

	if c.checkAvailability && looksOutOfStock(resp.Body) {
		out.Status = StatusOutOfStock
		return out
	}

	if c.requireTag && !c.tagPattern.MatchString(final.String()) {
		out.Status = StatusMissingTag
		return out
	}

	out.Status = StatusHealthy
	return out
}

// parseDestinationURL validates a destination URL. Failures here are
// configuration errors, never probe outcomes.
func parseDestinationURL(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, errors.New("destination url cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.New("invalid destination url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("destination url scheme must be http or https")
	}
	if u.Host == "" {
		return nil, errors.New("destination url must include host")
	}
	return u, nil
}

// classifyTransportError maps a transport failure to a broken reason.
// Cancellation counts as a timeout so a run deadline that cuts a probe
// short still produces a ledger entry.
func classifyTransportError(err error) BrokenReason {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReasonTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}

	// DNS failures and other unreachable-host conditions classify
	// together: the destination cannot be reached at all.
	return ReasonDNS
}

// redirectTarget resolves the Location header of a 3xx response against
// the current URL.
func redirectTarget(current *url.URL, resp *http.Response) (*url.URL, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, errors.New("redirect without location header")
	}
	next, err := url.Parse(loc)
	if err != nil {
		return nil, err
	}
	resolved := current.ResolveReference(next)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return nil, errors.New("redirect to non-http url")
	}
	return resolved, nil
}

// suspiciousRedirect reports whether a chain that started at origin and
// ended at final looks like a dead product link. Landing off-host on a
// shallow page (a storefront homepage) or an error-looking path counts;
// deep redirects within the same host do not.
func suspiciousRedirect(origin, final *url.URL) bool {
	errorPath := strings.Contains(final.Path, "404") ||
		strings.Contains(strings.ToLower(final.Path), "error")
	if errorPath {
		return true
	}
	if strings.EqualFold(origin.Host, final.Host) {
		return false
	}
	return final.Path == "" || final.Path == "/"
}

// Stock-out phrases seen across major retailer product pages.
var stockOutPhrases = []string{
	"out of stock",
	"currently unavailable",
	"sold out",
	"no longer available",
	"item is unavailable",
}

// looksOutOfStock scans the response body for stock-out signals. It
// prefers explicit availability markup and falls back to a phrase scan
// of availability-labelled elements.
func looksOutOfStock(body io.Reader) bool {
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return false
	}

	// schema.org availability markup is the strongest signal.
	marked := false
	doc.Find("link[itemprop='availability'], meta[itemprop='availability'], meta[property='og:availability']").
		EachWithBreak(func(_ int, s *goquery.Selection) bool {
			val, ok := s.Attr("href")
			if !ok {
				val, _ = s.Attr("content")
			}
			if strings.Contains(strings.ToLower(val), "outofstock") ||
				strings.Contains(strings.ToLower(val), "soldout") {
				marked = true
				return false
			}
			return true
		})
	if marked {
		return true
	}

	text := strings.ToLower(doc.Find("#availability, .availability, .stock, .product-availability, .out-of-stock").Text())
	if text == "" {
		text = strings.ToLower(doc.Find("body").Text())
	}
	for _, phrase := range stockOutPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxBodyBytes))
	_ = body.Close()
}
