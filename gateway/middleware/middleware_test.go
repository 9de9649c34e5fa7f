package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "test-secret"

var testCaller = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func callerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if !ok {
			http.Error(w, "no caller", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(caller.Hex()))
	})
}

func TestAuthenticatorAcceptsAddressSubject(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "loanledger"}, nil)
	token, err := IssueToken(testSecret, testCaller, []string{ScopeAdmin}, "loanledger", "", time.Minute)
	require.NoError(t, err)

	handler := auth.Middleware(ScopeAdmin)(callerEcho())
	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, testCaller.Hex(), res.Body.String())
}

func TestAuthenticatorRejections(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Audience: "ledger"}, nil)
	good, err := IssueToken(testSecret, testCaller, nil, "", "ledger", time.Minute)
	require.NoError(t, err)
	wrongSecret, err := IssueToken("other", testCaller, nil, "", "ledger", time.Minute)
	require.NoError(t, err)
	wrongAudience, err := IssueToken(testSecret, testCaller, nil, "", "elsewhere", time.Minute)
	require.NoError(t, err)
	zeroSubject, err := IssueToken(testSecret, common.Address{}, nil, "", "ledger", time.Minute)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		scopes []string
		want   int
	}{
		{"missing", "", nil, http.StatusUnauthorized},
		{"not bearer", "Basic abc", nil, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + wrongSecret, nil, http.StatusUnauthorized},
		{"wrong audience", "Bearer " + wrongAudience, nil, http.StatusUnauthorized},
		{"zero subject", "Bearer " + zeroSubject, nil, http.StatusUnauthorized},
		{"missing scope", "Bearer " + good, []string{ScopeAdmin}, http.StatusForbidden},
		{"ok", "Bearer " + good, nil, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			res := httptest.NewRecorder()
			auth.Middleware(tc.scopes...)(callerEcho()).ServeHTTP(res, req)
			if res.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, res.Code, res.Body.String())
			}
		})
	}
}

func TestAuthenticatorDisabledUsesDevHeader(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderDevCaller, testCaller.Hex())
	res := httptest.NewRecorder()
	auth.Middleware()(callerEcho()).ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, testCaller.Hex(), res.Body.String())
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	return db
}

func TestIdempotencyReplaysResponse(t *testing.T) {
	idem, err := NewIdempotency(openTestDB(t), nil)
	require.NoError(t, err)
	calls := 0
	handler := idem.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"call":%d}`, calls)
	}))

	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
		req.Header.Set(HeaderIdempotencyKey, "abc")
		req = req.WithContext(WithCaller(req.Context(), testCaller))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		return res
	}

	first := send("/v1/loans")
	require.Equal(t, http.StatusCreated, first.Code)
	second := send("/v1/loans")
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, first.Body.String(), second.Body.String())
	require.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	require.Equal(t, "application/json", second.Header().Get("Content-Type"))
	require.Equal(t, 1, calls)

	mismatch := send("/v1/loans/0/fund")
	require.Equal(t, http.StatusUnprocessableEntity, mismatch.Code)
}

func TestIdempotencyStoresAfterClientDisconnect(t *testing.T) {
	idem, err := NewIdempotency(openTestDB(t), nil)
	require.NoError(t, err)
	calls := 0
	var cancel context.CancelFunc
	handler := idem.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"0"}`))
		if cancel != nil {
			cancel()
		}
	}))

	send := func(ctx context.Context) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/loans", nil)
		req.Header.Set(HeaderIdempotencyKey, "gone")
		req = req.WithContext(WithCaller(ctx, testCaller))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		return res
	}

	ctx, cancelFirst := context.WithCancel(context.Background())
	cancel = cancelFirst
	require.Equal(t, http.StatusCreated, send(ctx).Code)
	require.Error(t, ctx.Err())

	cancel = nil
	retry := send(context.Background())
	require.Equal(t, http.StatusCreated, retry.Code)
	require.Equal(t, "true", retry.Header().Get("Idempotent-Replay"))
	require.Equal(t, 1, calls)
}

func TestIdempotencyReleasesKeyLocks(t *testing.T) {
	idem, err := NewIdempotency(openTestDB(t), nil)
	require.NoError(t, err)
	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	handler := idem.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusAccepted)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/v1/loans", nil)
			req.Header.Set(HeaderIdempotencyKey, fmt.Sprintf("key-%d", i%2))
			req = req.WithContext(WithCaller(req.Context(), testCaller))
			handler.ServeHTTP(httptest.NewRecorder(), req)
		}(i)
	}
	<-entered
	<-entered
	idem.mu.Lock()
	held := len(idem.locks)
	idem.mu.Unlock()
	require.Equal(t, 2, held)

	close(release)
	wg.Wait()
	require.Empty(t, idem.locks)
}

func TestIdempotencySkipsServerErrors(t *testing.T) {
	idem, err := NewIdempotency(openTestDB(t), nil)
	require.NoError(t, err)
	calls := 0
	handler := idem.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/loans", nil)
		req.Header.Set(HeaderIdempotencyKey, "retry")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	require.Equal(t, 2, calls)
}

func TestObservabilityAssignsRequestIDAndRoute(t *testing.T) {
	obs := NewObservability(ObservabilityConfig{Enabled: true}, nil)
	router := chi.NewRouter()
	router.Use(obs.Handler)
	var seen string
	router.Get("/v1/loans/{id}", func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/loans/7", nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.NotEmpty(t, seen)
	require.Equal(t, seen, res.Header().Get(HeaderRequestID))

	metrics := httptest.NewRecorder()
	obs.MetricsHandler().ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, metrics.Body.String(), `route="/v1/loans/{id}"`)
}

func TestCORS(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://app.example"}})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/v1/loans", nil)
	req.Header.Set("Origin", "https://app.example")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "https://app.example", res.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/loans", nil)
	req.Header.Set("Origin", "https://evil.example")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.Empty(t, res.Header().Get("Access-Control-Allow-Origin"))
}
