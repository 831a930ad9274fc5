package daktela

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/harvestd/internal/config"
	"github.com/fyrsmithlabs/harvestd/internal/logging"
	"github.com/fyrsmithlabs/harvestd/internal/telemetry"
)

const testToken = "s3cr3t-token"

func testAPIConfig(baseURL string) config.APIConfig {
	cfg := config.Default().API
	cfg.BaseURL = baseURL
	cfg.Token = config.Secret(testToken)
	return cfg
}

// recordedSleeps replaces the retry delay with a recorder.
type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, cfg config.APIConfig, opts ...Option) (*Client, *recordedSleeps) {
	t.Helper()
	c, err := NewClient(cfg, opts...)
	require.NoError(t, err)
	rs := &recordedSleeps{}
	c.sleep = rs.sleep
	return c, rs
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseDate(s)
	require.NoError(t, err)
	return d
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	cfg := config.Default().API
	_, err := NewClient(cfg)
	assert.ErrorContains(t, err, "HARVESTD_API_BASE_URL")

	cfg.BaseURL = "https://example.daktela.com"
	_, err = NewClient(cfg)
	assert.ErrorContains(t, err, "HARVESTD_API_TOKEN")
}

func TestSearchTickets_BuildsFilter(t *testing.T) {
	var got http.Header
	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v6/tickets.json", r.URL.Path)
		got = r.Header.Clone()
		query = r.URL.Query()
		fmt.Fprint(w, `{"result":{"data":[
			{"name":"1001","title":"Poškozený balík","created":"2024-03-01 08:15:00",
			 "category":{"name":"categories_1","title":"Reklamace"},
			 "statuses":[{"name":"statuses_1","title":"Otevřený"},{"name":"statuses_2","title":"Čeká"}],
			 "customFields":{"vip":["VIP"]}},
			{"name":1002,"title":null,"created":"2024-03-02 09:00:00","category":null,"statuses":[],"customFields":[]}
		],"total":2}}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, testAPIConfig(srv.URL))
	res, err := c.SearchTickets(context.Background(), Filter{
		DateFrom: mustDate(t, "2024-03-01"),
		DateTo:   mustDate(t, "2024-03-31"),
		Category: "categories_1",
		Status:   "statuses_1",
	})
	require.NoError(t, err)

	assert.Equal(t, testToken, got.Get("X-AUTH-TOKEN"))
	assert.Empty(t, got.Get("Authorization"))

	assert.Equal(t, "and", query["filter[logic]"][0])
	assert.Equal(t, "created", query["filter[filters][0][field]"][0])
	assert.Equal(t, "gte", query["filter[filters][0][operator]"][0])
	assert.Equal(t, "2024-03-01 00:00:00", query["filter[filters][0][value]"][0])
	assert.Equal(t, "lte", query["filter[filters][1][operator]"][0])
	assert.Equal(t, "2024-03-31 23:59:59", query["filter[filters][1][value]"][0])
	assert.Equal(t, "category", query["filter[filters][2][field]"][0])
	assert.Equal(t, "categories_1", query["filter[filters][2][value]"][0])
	assert.Equal(t, "statuses", query["filter[filters][3][field]"][0])
	assert.Equal(t, "statuses_1", query["filter[filters][3][value]"][0])
	assert.Equal(t, "1000", query["take"][0])
	assert.Equal(t, "name", query["fields[0]"][0])
	assert.NotContains(t, query, "skip")

	require.Len(t, res.Tickets, 2)
	assert.False(t, res.Truncated)
	assert.Equal(t, 2, res.Total)

	first := res.Tickets[0]
	assert.Equal(t, "1001", first.ID)
	assert.Equal(t, "Poškozený balík", first.Title)
	assert.Equal(t, "Reklamace", first.CategoryTitle)
	assert.Equal(t, "Otevřený", first.StatusTitle)
	assert.Equal(t, time.Date(2024, 3, 1, 8, 15, 0, 0, time.UTC), first.CreatedAt)
	assert.Equal(t, []any{"VIP"}, first.CustomFields["vip"])

	second := res.Tickets[1]
	assert.Equal(t, "1002", second.ID)
	assert.Empty(t, second.Title)
	assert.Empty(t, second.CategoryTitle)
	assert.Empty(t, second.StatusTitle)
	assert.Nil(t, second.CustomFields)
}

func TestSearchTickets_OptionalPredicatesOmitted(t *testing.T) {
	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		fmt.Fprint(w, `{"result":{"data":[]}}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, testAPIConfig(srv.URL))
	res, err := c.SearchTickets(context.Background(), Filter{
		DateFrom: mustDate(t, "2024-01-01"),
		DateTo:   mustDate(t, "2024-01-01"),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Tickets)
	assert.Contains(t, query, "filter[filters][1][field]")
	assert.NotContains(t, query, "filter[filters][2][field]")
}

func ticketPage(from, n int) string {
	s := `{"result":{"data":[`
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf(`{"name":"%d","title":"T%d","created":"2024-01-01 10:00:00"}`, from+i, from+i)
	}
	return s + `]}}`
}

func TestSearchTickets_FullPageIsTruncated(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, ticketPage(1, 3))
	}))
	defer srv.Close()

	cfg := testAPIConfig(srv.URL)
	cfg.PageSize = 3
	c, _ := newTestClient(t, cfg)

	res, err := c.SearchTickets(context.Background(), Filter{DateFrom: mustDate(t, "2024-01-01"), DateTo: mustDate(t, "2024-01-02")})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Tickets, 3)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSearchTickets_FollowPages(t *testing.T) {
	var skips []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		skip := r.URL.Query().Get("skip")
		skips = append(skips, skip)
		from, _ := strconv.Atoi(skip)
		n := 2
		if from >= 4 {
			n = 1
		}
		fmt.Fprint(w, ticketPage(from+1, n))
	}))
	defer srv.Close()

	cfg := testAPIConfig(srv.URL)
	cfg.PageSize = 2
	cfg.FollowPages = true
	c, _ := newTestClient(t, cfg)

	res, err := c.SearchTickets(context.Background(), Filter{DateFrom: mustDate(t, "2024-01-01"), DateTo: mustDate(t, "2024-01-02")})
	require.NoError(t, err)
	assert.False(t, res.Truncated)
	assert.Equal(t, []string{"", "2", "4"}, skips)
	require.Len(t, res.Tickets, 5)
	assert.Equal(t, "1", res.Tickets[0].ID)
	assert.Equal(t, "5", res.Tickets[4].ID)
}

func TestSearchTickets_FollowPagesStopsAtTotal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		from, _ := strconv.Atoi(r.URL.Query().Get("skip"))
		fmt.Fprintf(w, `{"result":{"data":[{"name":"%d","created":"2024-01-01 10:00:00"},{"name":"%d","created":"2024-01-01 10:00:00"}],"total":4}}`, from+1, from+2)
	}))
	defer srv.Close()

	cfg := testAPIConfig(srv.URL)
	cfg.PageSize = 2
	cfg.FollowPages = true
	c, _ := newTestClient(t, cfg)

	res, err := c.SearchTickets(context.Background(), Filter{DateFrom: mustDate(t, "2024-01-01"), DateTo: mustDate(t, "2024-01-02")})
	require.NoError(t, err)
	assert.False(t, res.Truncated)
	assert.Len(t, res.Tickets, 4)
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSearchTickets_FollowPagesIsBounded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Ignores skip and never reports a total.
		fmt.Fprint(w, ticketPage(1, 2))
	}))
	defer srv.Close()

	cfg := testAPIConfig(srv.URL)
	cfg.PageSize = 2
	cfg.FollowPages = true
	tl := logging.NewTestLogger()
	c, _ := newTestClient(t, cfg, WithLogger(tl.Logger))
	c.maxPages = 5

	res, err := c.SearchTickets(context.Background(), Filter{DateFrom: mustDate(t, "2024-01-01"), DateTo: mustDate(t, "2024-01-02")})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Tickets, 10)
	assert.Equal(t, int32(5), calls.Load())
	tl.AssertLogged(t, zapcore.WarnLevel, "search stopped at the page limit")
}

func TestSearchTickets_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad token"}`, ErrAuth},
		{"forbidden", http.StatusForbidden, ``, ErrAuth},
		{"server error", http.StatusInternalServerError, `oops`, ErrNetwork},
		{"malformed", http.StatusOK, `{"result":{"data":{`, ErrMalformedResponse},
		{"wrong shape", http.StatusOK, `{"result":{"data":"nope"}}`, ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c, _ := newTestClient(t, testAPIConfig(srv.URL))
			_, err := c.SearchTickets(context.Background(), Filter{DateFrom: mustDate(t, "2024-01-01"), DateTo: mustDate(t, "2024-01-02")})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, int32(1), calls.Load(), "search must not retry")

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, "search_tickets", apiErr.Op)
			assert.NotContains(t, err.Error(), testToken)
		})
	}
}

func TestSearchTickets_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, _ := newTestClient(t, testAPIConfig(url))
	_, err := c.SearchTickets(context.Background(), Filter{DateFrom: mustDate(t, "2024-01-01"), DateTo: mustDate(t, "2024-01-02")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetwork))
	assert.NotContains(t, err.Error(), "filter")
}

func TestSearchTickets_InvalidFilter(t *testing.T) {
	c, _ := newTestClient(t, testAPIConfig("http://127.0.0.1:1"))
	_, err := c.SearchTickets(context.Background(), Filter{DateFrom: mustDate(t, "2024-02-01"), DateTo: mustDate(t, "2024-01-01")})
	assert.True(t, errors.Is(err, ErrInvalidFilter))
}

func TestFilter_Validate(t *testing.T) {
	day := mustDate(t, "2024-05-05")
	assert.NoError(t, Filter{DateFrom: day, DateTo: day}.Validate())
	assert.NoError(t, Filter{DateFrom: day, DateTo: day.Add(time.Hour), MaxResults: 5}.Validate())
	assert.Error(t, Filter{DateFrom: day}.Validate())
	assert.Error(t, Filter{DateFrom: day.AddDate(0, 0, 1), DateTo: day}.Validate())
	assert.Error(t, Filter{DateFrom: day, DateTo: day, MaxResults: -1}.Validate())

	_, err := ParseDate("05.05.2024")
	assert.True(t, errors.Is(err, ErrInvalidFilter))

	assert.Equal(t, "* | *", Filter{}.Label())
	assert.Equal(t, "Reklamace | *", Filter{Category: "Reklamace"}.Label())
}

const activitiesBody = `{"result":{"data":[
	{"name":"a2","time":"2024-03-01 10:05:00","type":"EMAIL",
	 "item":{"text":"<p>Dobrý den</p>","address":"jan@example.cz","direction":"in"},
	 "user":null,"contact":{"name":"c1","title":"Jan Novák","email":"jan@example.cz"},
	 "ticket":{"name":"1001","title":"Poškozený balík"}},
	{"name":"a1","time":"2024-03-01 09:00:00","type":null,"description":"interní poznámka",
	 "item":"calls_123","user":{"name":"agent1","title":"Petra"},"contact":"contacts_9"}
]}}`

func TestFetchActivities_Decodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v6/tickets/1001/activities.json", r.URL.Path)
		fmt.Fprint(w, activitiesBody)
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, testAPIConfig(srv.URL))
	acts, err := c.FetchActivities(context.Background(), "1001")
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Empty(t, sleeps.delays)

	email := acts[0]
	assert.Equal(t, "EMAIL", email.Type)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC), email.Time)
	require.NotNil(t, email.Item)
	assert.Equal(t, "<p>Dobrý den</p>", email.Body())
	assert.True(t, email.Inbound())
	assert.Nil(t, email.User)
	require.NotNil(t, email.Contact)
	assert.Equal(t, "Jan Novák", email.Contact.Title)
	require.NotNil(t, email.Ticket)
	assert.Equal(t, "Poškozený balík", email.Ticket.Title)

	note := acts[1]
	assert.Empty(t, note.Type)
	assert.Nil(t, note.Item)
	assert.Equal(t, "interní poznámka", note.Body())
	assert.False(t, note.Inbound())
	require.NotNil(t, note.User)
	assert.Equal(t, "Petra", note.User.Title)
	require.NotNil(t, note.Contact)
	assert.Equal(t, "contacts_9", note.Contact.Name)
}

func TestFetchActivities_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, activitiesBody)
	}))
	defer srv.Close()

	tel := telemetry.NewTestTelemetry()
	c, sleeps := newTestClient(t, testAPIConfig(srv.URL),
		WithMeter(tel.Meter("test")), WithTracer(tel.Tracer("test")))

	acts, err := c.FetchActivities(context.Background(), "7")
	require.NoError(t, err)
	assert.Len(t, acts, 2)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, time.Second}, sleeps.delays)
	assert.Equal(t, int64(2), tel.Int64Sum(t, "harvestd.api.retries"))
	tel.AssertSpanExists(t, "daktela.FetchActivities")
}

func TestFetchActivities_ExhaustedReturnsEmpty(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	log := logging.NewTestLogger()
	tel := telemetry.NewTestTelemetry()
	c, sleeps := newTestClient(t, testAPIConfig(srv.URL), WithLogger(log.Logger), WithMeter(tel.Meter("test")))

	acts, err := c.FetchActivities(context.Background(), "8")
	require.NoError(t, err)
	assert.NotNil(t, acts)
	assert.Empty(t, acts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, sleeps.delays, 2)
	log.AssertLogged(t, zapcore.WarnLevel, "retries exhausted")
	log.AssertNotContains(t, testToken)
	assert.Equal(t, int64(1), tel.Int64Sum(t, "harvestd.api.degraded_fetches"))
}

func TestFetchActivities_MalformedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `<html>maintenance</html>`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, testAPIConfig(srv.URL))
	acts, err := c.FetchActivities(context.Background(), "9")
	require.NoError(t, err)
	assert.Empty(t, acts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchActivities_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, testAPIConfig(srv.URL))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchActivities(ctx, "10")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchActivities_RealDelay(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"result":{"data":[]}}`)
	}))
	defer srv.Close()

	cfg := testAPIConfig(srv.URL)
	cfg.RetryDelay = config.Duration(20 * time.Millisecond)
	c, err := NewClient(cfg)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.FetchActivities(context.Background(), "11")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestBearerScheme(t *testing.T) {
	var auth, xauth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		xauth = r.Header.Get("X-AUTH-TOKEN")
		fmt.Fprint(w, `{"result":{"data":[{"name":"statuses_1","title":"Otevřený"}]}}`)
	}))
	defer srv.Close()

	cfg := testAPIConfig(srv.URL)
	cfg.AuthScheme = "bearer"
	c, _ := newTestClient(t, cfg)

	statuses, err := c.ListStatuses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer "+testToken, auth)
	assert.Empty(t, xauth)
	assert.Equal(t, []CodebookEntry{{Name: "statuses_1", Title: "Otevřený"}}, statuses)
}

func TestListCategories(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v6/ticketsCategories.json", r.URL.Path)
		fmt.Fprint(w, `{"result":{"data":[{"name":"categories_1","title":"Reklamace"},{"name":2,"title":"Dotazy"}]}}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, testAPIConfig(srv.URL))
	cats, err := c.ListCategories(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []CodebookEntry{{Name: "categories_1", Title: "Reklamace"}, {Name: "2", Title: "Dotazy"}}, cats)
}

func TestRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":{"data":[]}}`)
	}))
	defer srv.Close()

	cfg := testAPIConfig(srv.URL)
	cfg.RateLimit = 20
	cfg.Burst = 1
	c, _ := newTestClient(t, cfg)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.ListStatuses(context.Background())
		require.NoError(t, err)
	}
	// Two waits of 50ms after the initial burst token.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestAPIError(t *testing.T) {
	err := &APIError{Op: "search_tickets", Kind: KindAuth, StatusCode: 401, Err: errors.New("denied")}
	assert.Equal(t, "search_tickets failed: auth error (HTTP 401): denied", err.Error())
	assert.True(t, errors.Is(err, ErrAuth))
	assert.False(t, errors.Is(err, ErrNetwork))
	assert.Equal(t, "ErrorKind(9)", ErrorKind(9).String())

	wrapped := fmt.Errorf("harvest: %w", &APIError{Op: "x", Kind: KindNetwork, Err: errors.New("reset")})
	assert.True(t, errors.Is(wrapped, ErrNetwork))
	assert.Equal(t, "x failed: network error: reset", errors.Unwrap(wrapped).Error())
}
