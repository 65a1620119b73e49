package probe

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/linkpulse/linkpulse/internal/config"
	"github.com/linkpulse/linkpulse/internal/errx"
)

func testProbeConfig() config.ProbeConfig {
	return config.ProbeConfig{
		Timeout:           2 * time.Second,
		MaxRedirects:      5,
		CheckAvailability: true,
		RequireTag:        false,
		TagPattern:        "tag=",
		UserAgent:         "linkpulse-test/1.0",
	}
}

func newTestChecker(t *testing.T, cfg config.ProbeConfig) *Checker {
	t.Helper()
	checker, err := NewChecker(cfg, nil)
	if err != nil {
		t.Fatalf("NewChecker() failed: %v", err)
	}
	return checker
}

func mustCheck(t *testing.T, c *Checker, url string) Outcome {
	t.Helper()
	out, err := c.Check(context.Background(), url)
	if err != nil {
		t.Fatalf("Check(%q) failed: %v", url, err)
	}
	return out
}

func TestChecker_Check_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><h1>Great Product</h1><div class='stock'>In stock</div></body></html>")
	}))
	defer srv.Close()

	out := mustCheck(t, newTestChecker(t, testProbeConfig()), srv.URL+"/product/123")
	if out.Status != StatusHealthy {
		t.Errorf("Status = %v, want StatusHealthy", out.Status)
	}
	if out.HTTPStatus != http.StatusOK {
		t.Errorf("HTTPStatus = %d, want 200", out.HTTPStatus)
	}
	if out.Hops != 0 {
		t.Errorf("Hops = %d, want 0", out.Hops)
	}
}

func TestChecker_Check_HTTPErrors(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantReason BrokenReason
	}{
		{"server error", http.StatusInternalServerError, Reason5xx},
		{"bad gateway", http.StatusBadGateway, Reason5xx},
		{"not found", http.StatusNotFound, Reason4xx},
		{"gone", http.StatusGone, Reason4xx},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer srv.Close()

			out := mustCheck(t, newTestChecker(t, testProbeConfig()), srv.URL)
			if out.Status != StatusBroken {
				t.Fatalf("Status = %v, want StatusBroken", out.Status)
			}
			if out.Reason != tt.wantReason {
				t.Errorf("Reason = %v, want %v", out.Reason, tt.wantReason)
			}
			if out.HTTPStatus != tt.statusCode {
				t.Errorf("HTTPStatus = %d, want %d", out.HTTPStatus, tt.statusCode)
			}
		})
	}
}

func TestChecker_Check_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := testProbeConfig()
	cfg.Timeout = 50 * time.Millisecond

	out := mustCheck(t, newTestChecker(t, cfg), srv.URL)
	if out.Status != StatusBroken {
		t.Fatalf("Status = %v, want StatusBroken", out.Status)
	}
	if out.Reason != ReasonTimeout {
		t.Errorf("Reason = %v, want ReasonTimeout", out.Reason)
	}
	if !out.Transient() {
		t.Error("timeout outcome should be transient")
	}
}

func TestChecker_Check_CanceledContextReportsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	out, err := newTestChecker(t, testProbeConfig()).Check(ctx, srv.URL)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if out.Status != StatusBroken || out.Reason != ReasonTimeout {
		t.Errorf("canceled check = %v/%v, want StatusBroken/ReasonTimeout", out.Status, out.Reason)
	}
}

func TestChecker_Check_UnreachableHost(t *testing.T) {
	out := mustCheck(t, newTestChecker(t, testProbeConfig()),
		"http://nonexistent.invalid/product")
	if out.Status != StatusBroken {
		t.Fatalf("Status = %v, want StatusBroken", out.Status)
	}
	if out.Reason != ReasonDNS {
		t.Errorf("Reason = %v, want ReasonDNS", out.Reason)
	}
	if out.Transient() {
		t.Error("dns outcome should not be transient")
	}
}

func TestChecker_Check_Redirects(t *testing.T) {
	t.Run("follows chain to healthy page", func(t *testing.T) {
		var srv *httptest.Server
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/old":
				http.Redirect(w, r, srv.URL+"/mid", http.StatusMovedPermanently)
			case "/mid":
				http.Redirect(w, r, srv.URL+"/new/product", http.StatusFound)
			default:
				fmt.Fprint(w, "<html><body>In stock</body></html>")
			}
		}))
		defer srv.Close()

		out := mustCheck(t, newTestChecker(t, testProbeConfig()), srv.URL+"/old")
		if out.Status != StatusHealthy {
			t.Errorf("Status = %v, want StatusHealthy", out.Status)
		}
		if out.Hops != 2 {
			t.Errorf("Hops = %d, want 2", out.Hops)
		}
		if out.FinalURL != srv.URL+"/new/product" {
			t.Errorf("FinalURL = %q, want %q", out.FinalURL, srv.URL+"/new/product")
		}
	})

	t.Run("too many redirects", func(t *testing.T) {
		var srv *httptest.Server
		hop := 0
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hop++
			http.Redirect(w, r, fmt.Sprintf("%s/hop/%d", srv.URL, hop), http.StatusFound)
		}))
		defer srv.Close()

		cfg := testProbeConfig()
		cfg.MaxRedirects = 3

		out := mustCheck(t, newTestChecker(t, cfg), srv.URL)
		if out.Status != StatusBroken {
			t.Fatalf("Status = %v, want StatusBroken", out.Status)
		}
		if out.Reason != ReasonTooManyRedirects {
			t.Errorf("Reason = %v, want ReasonTooManyRedirects", out.Reason)
		}
	})

	t.Run("redirect loop", func(t *testing.T) {
		var srv *httptest.Server
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/a":
				http.Redirect(w, r, srv.URL+"/b", http.StatusFound)
			default:
				http.Redirect(w, r, srv.URL+"/a", http.StatusFound)
			}
		}))
		defer srv.Close()

		out := mustCheck(t, newTestChecker(t, testProbeConfig()), srv.URL+"/a")
		if out.Status != StatusBroken || out.Reason != ReasonTooManyRedirects {
			t.Errorf("loop = %v/%v, want StatusBroken/ReasonTooManyRedirects", out.Status, out.Reason)
		}
	})

	t.Run("off-host redirect to homepage is a redirect error", func(t *testing.T) {
		home := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "<html><body>Welcome to our store</body></html>")
		}))
		defer home.Close()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, home.URL+"/", http.StatusFound)
		}))
		defer srv.Close()

		out := mustCheck(t, newTestChecker(t, testProbeConfig()), srv.URL+"/product/dead")
		if out.Status != StatusRedirectError {
			t.Fatalf("Status = %v, want StatusRedirectError", out.Status)
		}
		if out.FinalURL != home.URL+"/" {
			t.Errorf("FinalURL = %q, want %q", out.FinalURL, home.URL+"/")
		}
	})

	t.Run("redirect without location header", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusFound)
		}))
		defer srv.Close()

		out := mustCheck(t, newTestChecker(t, testProbeConfig()), srv.URL)
		if out.Status != StatusRedirectError {
			t.Errorf("Status = %v, want StatusRedirectError", out.Status)
		}
	})
}

func TestChecker_Check_OutOfStock(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Status
	}{
		{
			name: "availability element phrase",
			body: "<html><body><div id='availability'>Currently unavailable.</div></body></html>",
			want: StatusOutOfStock,
		},
		{
			name: "schema.org markup",
			body: "<html><head><link itemprop='availability' href='https://schema.org/OutOfStock'></head><body>Buy now</body></html>",
			want: StatusOutOfStock,
		},
		{
			name: "body phrase without availability element",
			body: "<html><body><p>Sorry, this item is sold out.</p></body></html>",
			want: StatusOutOfStock,
		},
		{
			name: "in-stock page",
			body: "<html><body><div class='stock'>In stock, ships tomorrow</div></body></html>",
			want: StatusHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			out := mustCheck(t, newTestChecker(t, testProbeConfig()), srv.URL)
			if out.Status != tt.want {
				t.Errorf("Status = %v, want %v", out.Status, tt.want)
			}
		})
	}

	t.Run("heuristic disabled", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "<html><body>Sold out</body></html>")
		}))
		defer srv.Close()

		cfg := testProbeConfig()
		cfg.CheckAvailability = false

		out := mustCheck(t, newTestChecker(t, cfg), srv.URL)
		if out.Status != StatusHealthy {
			t.Errorf("Status = %v, want StatusHealthy with heuristic disabled", out.Status)
		}
	})
}

func TestChecker_Check_AffiliateTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>In stock</body></html>")
	}))
	defer srv.Close()

	cfg := testProbeConfig()
	cfg.RequireTag = true
	cfg.TagPattern = `tag=[a-z0-9-]+`

	checker := newTestChecker(t, cfg)

	t.Run("tag present", func(t *testing.T) {
		out := mustCheck(t, checker, srv.URL+"/product?tag=creator-20")
		if out.Status != StatusHealthy {
			t.Errorf("Status = %v, want StatusHealthy", out.Status)
		}
	})

	t.Run("tag missing", func(t *testing.T) {
		out := mustCheck(t, checker, srv.URL+"/product")
		if out.Status != StatusMissingTag {
			t.Errorf("Status = %v, want StatusMissingTag", out.Status)
		}
		if out.Transient() {
			t.Error("missing tag should not be transient")
		}
	})
}

func TestChecker_Check_InvalidURL(t *testing.T) {
	checker := newTestChecker(t, testProbeConfig())

	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"no scheme", "example.com/product"},
		{"bad scheme", "ftp://example.com/product"},
		{"no host", "http://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := checker.Check(context.Background(), tt.url)
			if err == nil {
				t.Fatal("Check() should fail for malformed input")
			}
			if errx.KindOf(err) != errx.Invalid {
				t.Errorf("error kind = %v, want Invalid", errx.KindOf(err))
			}
		})
	}
}

func TestNewChecker_InvalidTagPattern(t *testing.T) {
	cfg := testProbeConfig()
	cfg.RequireTag = true
	cfg.TagPattern = "["

	if _, err := NewChecker(cfg, nil); err == nil {
		t.Fatal("NewChecker() should reject an invalid tag pattern")
	}
}
