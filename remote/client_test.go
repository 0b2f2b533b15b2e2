package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/offline-sync/mutation"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(append([]Option{WithBaseURL(srv.URL + "/")}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestApplySendsRouteBodyAndHeaders(t *testing.T) {
	var got struct {
		method, path, idem, auth, ctype string
		body                            map[string]any
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.idem = r.Header.Get(IdempotencyHeader)
		got.auth = r.Header.Get("Authorization")
		got.ctype = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&got.body)
		w.WriteHeader(http.StatusCreated)
	}, WithBearerToken("secret"))

	err := c.Apply(context.Background(), "m-1", mutation.CheckIn{SlotID: "A", UserID: "1", CondoID: "c1"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/slots/A/checkins", got.path)
	assert.Equal(t, "m-1", got.idem)
	assert.Equal(t, "Bearer secret", got.auth)
	assert.Equal(t, "application/json", got.ctype)
	assert.Equal(t, map[string]any{"slot_id": "A", "user_id": "1", "condo_id": "c1"}, got.body)
}

func TestApplyClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		m      mutation.Mutation
		want   error
		class  Class
	}{
		{"created", http.StatusCreated, mutation.CheckIn{SlotID: "A", UserID: "1"}, nil, 0},
		{"no content", http.StatusNoContent, mutation.CheckInCancel{SlotID: "A", UserID: "1"}, nil, 0},
		{"cancel already gone", http.StatusNotFound, mutation.CheckInCancel{SlotID: "A", UserID: "1"}, nil, 0},
		{"checkin slot gone", http.StatusNotFound, mutation.CheckIn{SlotID: "A", UserID: "1"}, ErrTerminal, ClassTerminal},
		{"unprocessable", http.StatusUnprocessableEntity, mutation.CheckIn{SlotID: "A", UserID: "1"}, ErrTerminal, ClassTerminal},
		{"conflict", http.StatusConflict, mutation.CheckIn{SlotID: "A", UserID: "1"}, ErrTerminal, ClassTerminal},
		{"rate limited", http.StatusTooManyRequests, mutation.CheckIn{SlotID: "A", UserID: "1"}, ErrRateLimited, ClassRateLimited},
		{"request timeout", http.StatusRequestTimeout, mutation.CheckIn{SlotID: "A", UserID: "1"}, ErrTransient, ClassTransient},
		{"server error", http.StatusInternalServerError, mutation.CheckIn{SlotID: "A", UserID: "1"}, ErrTransient, ClassTransient},
		{"bad gateway", http.StatusBadGateway, mutation.CheckIn{SlotID: "A", UserID: "1"}, ErrTransient, ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			err := c.Apply(context.Background(), "id", tt.m)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, tt.class, Classify(err))

			var re *Error
			require.ErrorAs(t, err, &re)
			require.Equal(t, tt.status, re.StatusCode)
		})
	}
}

func TestApplyRetryAfter(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	err := c.Apply(context.Background(), "id", mutation.ProfileUpdate{UserID: "1", Fields: map[string]any{"a": 1}})
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, 7*time.Second, RetryAfter(err))

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", now.Add(30*time.Second).Format(http.TimeFormat))
		w.WriteHeader(http.StatusTooManyRequests)
	}, WithNow(func() time.Time { return now }))
	err = c.Apply(context.Background(), "id", mutation.ProfileUpdate{UserID: "1", Fields: map[string]any{"a": 1}})
	require.Equal(t, 30*time.Second, RetryAfter(err))
}

func TestApplyTimeoutIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}, WithTimeout(50*time.Millisecond))

	err := c.Apply(context.Background(), "id", mutation.CheckIn{SlotID: "A", UserID: "1"})
	require.ErrorIs(t, err, ErrTransient)
	require.Equal(t, ClassTransient, Classify(err))
}

func TestApplyNetworkErrorIsTransient(t *testing.T) {
	c, err := NewClient(WithBaseURL("http://127.0.0.1:1"), WithTimeout(200*time.Millisecond))
	require.NoError(t, err)

	err = c.Apply(context.Background(), "id", mutation.CheckIn{SlotID: "A", UserID: "1"})
	require.ErrorIs(t, err, ErrTransient)
}

func TestApplyWithoutBody(t *testing.T) {
	var contentLength int64 = -1
	var path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		contentLength = r.ContentLength
		path = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})
	require.NoError(t, c.Apply(context.Background(), "id", mutation.CheckInCancel{SlotID: "A", UserID: "1"}))
	require.Zero(t, contentLength)
	require.Equal(t, "/slots/A/checkins/1", path)
}

func TestFetch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/slots/A":
			_, _ = w.Write([]byte(`{"slot_id":"A","capacity":10,"confirmed":8}`))
		case "/slots/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	})

	data, err := c.Fetch(context.Background(), "/slots/A")
	require.NoError(t, err)
	require.JSONEq(t, `{"slot_id":"A","capacity":10,"confirmed":8}`, string(data))

	_, err = c.Fetch(context.Background(), "/slots/missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, ErrTerminal)

	_, err = c.Fetch(context.Background(), "/slots/busy")
	require.ErrorIs(t, err, ErrTransient)
}

func TestSessionCookiesPersist(t *testing.T) {
	var sawCookie bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if ck, err := r.Cookie("session"); err == nil && ck.Value == "abc" {
			sawCookie = true
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := c.Fetch(context.Background(), "/users/1/profile")
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), "/users/1/profile")
	require.NoError(t, err)
	require.True(t, sawCookie)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient()
	require.Error(t, err)
}

func TestClassifyForeignError(t *testing.T) {
	require.Equal(t, ClassTransient, Classify(context.DeadlineExceeded))
	require.Equal(t, ClassTransient, Classify(errors.New("boom")))
	require.Zero(t, RetryAfter(errors.New("boom")))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("-3", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Equal(t, 2*time.Second, parseRetryAfter("2", now))
	assert.Zero(t, parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}
