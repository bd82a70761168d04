package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/logvault/logvault/pkg/event"
	"github.com/logvault/logvault/pkg/timerange"
)

// sleepRecorder replaces the client's sleep so backoff tests assert on
// durations instead of waiting them out.
type sleepRecorder struct {
	slept []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.slept = append(r.slept, d)
	return nil
}

func newTestClient(t *testing.T, baseURL string, mutate func(*Config)) (*Client, *sleepRecorder) {
	t.Helper()
	cfg := Config{
		BaseURL: baseURL,
		APIKey:  "test-key",
		PerPage: 50,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg, nil)
	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	return c, rec
}

func testQuery() Query {
	return Query{
		EntityID: "log-1",
		Range:    timerange.Range{Start: 1000, End: 2000},
	}
}

func collectPages(t *testing.T, c *Client, q Query) []Page {
	t.Helper()
	var pages []Page
	err := c.FetchPages(context.Background(), q, func(p Page) error {
		pages = append(pages, p)
		return nil
	})
	require.NoError(t, err)
	return pages
}

func eventsJSON(msgs ...string) string {
	out := "["
	for i, m := range msgs {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`{"message":%q,"timestamp":%d}`, m, 1000+i)
	}
	return out + "]"
}

func TestFetchPages_PollsThenPaginates(t *testing.T) {
	var polls int
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/query/logs/log-1", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1000", r.URL.Query().Get("from"))
		require.Equal(t, "2000", r.URL.Query().Get("to"))
		require.Equal(t, "50", r.URL.Query().Get("per_page"))
		fmt.Fprintf(w, `{"links":[{"rel":"Self","href":"%s/query/poll"}]}`, srv.URL)
	})
	mux.HandleFunc("/query/poll", func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < 2 {
			fmt.Fprintf(w, `{"links":[{"rel":"Self","href":"%s/query/poll"}]}`, srv.URL)
			return
		}
		fmt.Fprintf(w, `{"events":%s,"links":[{"rel":"Next","href":"%s/query/page2"}],"total_matched":3}`,
			eventsJSON("a", "b"), srv.URL)
	})
	mux.HandleFunc("/query/page2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"events":%s,"links":[]}`, eventsJSON("c"))
	})

	c, rec := newTestClient(t, srv.URL, nil)
	pages := collectPages(t, c, testQuery())

	require.Len(t, pages, 2)
	require.Equal(t, 0, pages[0].Index)
	require.Equal(t, 1, pages[1].Index)
	require.Len(t, pages[0].Rows, 2)
	require.Len(t, pages[1].Rows, 1)
	require.Equal(t, event.String("a"), pages[0].Rows[0]["message"])
	require.Equal(t, event.String("c"), pages[1].Rows[0]["message"])
	require.Equal(t, int64(3), pages[0].ProviderTotal)
	require.Equal(t, int64(-1), pages[1].ProviderTotal)

	// Two polls waited, backoff doubling from the initial value.
	require.Equal(t, []time.Duration{
		defaultPollInitialBackoff,
		2 * defaultPollInitialBackoff,
	}, rec.slept)
}

func TestFetchPages_PollBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"links":[{"rel":"Self","href":"http://%s/poll"}]}`, r.Host)
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.PollMaxAttempts = 4
	})
	err := c.FetchPages(context.Background(), testQuery(), func(Page) error { return nil })
	require.ErrorIs(t, err, ErrPollTimeout)
	require.Len(t, rec.slept, 4)
}

func TestFetchPages_PollBackoffIsCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"links":[{"rel":"Self","href":"http://%s/poll"}]}`, r.Host)
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.PollInitialBackoff = time.Second
		cfg.PollMaxBackoff = 2 * time.Second
		cfg.PollMaxAttempts = 5
	})
	err := c.FetchPages(context.Background(), testQuery(), func(Page) error { return nil })
	require.ErrorIs(t, err, ErrPollTimeout)
	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second,
	}, rec.slept)
}

func TestFetchPages_RateLimitedThenRecovers(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprintf(w, `{"events":%s,"links":[]}`, eventsJSON("a"))
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, nil)
	pages := collectPages(t, c, testQuery())

	require.Len(t, pages, 1)
	require.Equal(t, []time.Duration{2 * time.Second}, rec.slept)
}

func TestFetchPages_RateLimitExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.RateLimitMaxRetries = 3
	})
	err := c.FetchPages(context.Background(), testQuery(), func(Page) error { return nil })
	require.ErrorIs(t, err, ErrRateLimitExhausted)
	require.Len(t, rec.slept, 3)
}

func TestFetchPages_ContextCancelsPollWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"links":[{"rel":"Self","href":"http://%s/poll"}]}`, r.Host)
	}))
	defer srv.Close()

	// The real sleep is kept; the deadline fires long before the first
	// backoff elapses.
	c := New(Config{
		BaseURL:            srv.URL,
		APIKey:             "test-key",
		PollInitialBackoff: 10 * time.Second,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.FetchPages(ctx, testQuery(), func(Page) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchPages_ContextCancelsRateLimitWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "test-key"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := c.FetchPages(ctx, testQuery(), func(Page) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestResetHint(t *testing.T) {
	c, _ := newTestClient(t, "http://unused", nil)

	tests := []struct {
		name    string
		headers map[string]string
		want    time.Duration
	}{
		{"retry-after seconds", map[string]string{"Retry-After": "5"}, 5 * time.Second},
		{"retry-after preferred over reset", map[string]string{
			"Retry-After":       "5",
			"X-RateLimit-Reset": "30",
		}, 5 * time.Second},
		{"reset seconds fallback", map[string]string{"X-RateLimit-Reset": "7"}, 7 * time.Second},
		{"unparsable retry-after falls back to reset", map[string]string{
			"Retry-After":       "not-an-int",
			"X-RateLimit-Reset": "5",
		}, 5 * time.Second},
		{"no headers uses default", nil, defaultRateLimitDefaultWait},
		{"both unparsable uses default", map[string]string{
			"Retry-After":       "soon",
			"X-RateLimit-Reset": "later",
		}, defaultRateLimitDefaultWait},
		{"unparsable retry-after alone uses default", map[string]string{"Retry-After": "soon"}, defaultRateLimitDefaultWait},
		{"hostile value clamped", map[string]string{"Retry-After": "9999"}, defaultRateLimitMaxWait},
		{"zero clamped up", map[string]string{"Retry-After": "0"}, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			require.Equal(t, tt.want, c.resetHint(h))
		})
	}
}

func TestFetchPages_NonAdvancingNextLink(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/query/logs/log-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"events":[],"links":[{"rel":"Next","href":"%s/page2"}]}`, srv.URL)
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"events":[],"links":[{"rel":"Next","href":"%s/page2"}]}`, srv.URL)
	})

	c, _ := newTestClient(t, srv.URL, nil)
	err := c.FetchPages(context.Background(), testQuery(), func(Page) error { return nil })
	require.ErrorIs(t, err, ErrProtocol)
	require.Contains(t, err.Error(), "does not advance")
}

func TestFetchPages_NextLinkMissingHref(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"events":[],"links":[{"rel":"Next"}]}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)
	err := c.FetchPages(context.Background(), testQuery(), func(Page) error { return nil })
	require.ErrorIs(t, err, ErrProtocol)
	require.Contains(t, err.Error(), "missing href")
}

func TestFetchPages_NoEventsAndNoSelfLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"links":[]}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)
	err := c.FetchPages(context.Background(), testQuery(), func(Page) error { return nil })
	require.ErrorIs(t, err, ErrProtocol)
}

func TestFetchPages_SendsBearerAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"events":[],"links":[]}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)
	collectPages(t, c, testQuery())
	require.Equal(t, "Bearer test-key", gotAuth)
}

func TestFetchPages_CallbackErrorAborts(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprintf(w, `{"events":%s,"links":[{"rel":"Next","href":"http://%s/p%d"}]}`,
			eventsJSON("x"), r.Host, calls)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)
	boom := fmt.Errorf("sink full")
	err := c.FetchPages(context.Background(), testQuery(), func(Page) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestFetchPages_ServerErrorRetriedThenFails(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.RetryAttempts = 2
	})
	err := c.FetchPages(context.Background(), testQuery(), func(Page) error { return nil })
	require.Error(t, err)
	require.Contains(t, err.Error(), "server error 502")
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.slept)
}

func TestDecodeEvents_Shapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"array of objects", `[{"message":"a"},{"message":"b"}]`, 2},
		{"array of encoded strings", `["{\"message\":\"a\"}"]`, 1},
		{"string wrapping an array", `"[{\"message\":\"a\"}]"`, 1},
		{"object wrapper", `{"events":[{"message":"a"}]}`, 1},
		{"empty array", `[]`, 0},
		{"undecodable entries skipped", `[{"message":"a"}, 42, "not json"]`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := decodeEvents([]byte(tt.raw))
			require.NoError(t, err)
			require.Len(t, rows, tt.want)
		})
	}
}

func TestDecodeEvents_MalformedIsProtocolError(t *testing.T) {
	for _, raw := range []string{`[{"message":`, `"not json at all"`, `42`} {
		_, err := decodeEvents([]byte(raw))
		require.ErrorIs(t, err, ErrProtocol, "payload %q", raw)
	}
}

func TestListLogs(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/management/logsets", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"logsets":[{"id":"ls-1","name":"prod"}]}`)
	})
	mux.HandleFunc("/management/logs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"logs":[{"id":"log-1","name":"api","logsets_info":[{"id":"ls-1","name":"prod"}]}]}`)
	})

	c, _ := newTestClient(t, srv.URL, nil)

	sets, err := c.ListLogSets(context.Background())
	require.NoError(t, err)
	require.Equal(t, []LogSet{{ID: "ls-1", Name: "prod"}}, sets)

	logs, err := c.ListLogs(context.Background())
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "log-1", logs[0].ID)
	require.Equal(t, "prod", logs[0].LogSets[0].Name)
}

func TestDecodeEvents_PreservesIntegerPrecision(t *testing.T) {
	rows, err := decodeEvents([]byte(`[{"sequence_number":900719925474099123}]`))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, event.Int(900719925474099123), rows[0]["sequence_number"])
}
