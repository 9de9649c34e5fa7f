package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"gorm.io/gorm"
)

// HeaderIdempotencyKey names the client supplied replay key.
const HeaderIdempotencyKey = "Idempotency-Key"

// IdempotencyRecord stores the first response produced for a key.
type IdempotencyRecord struct {
	Key         string `gorm:"primaryKey;size:200"`
	RequestID   string `gorm:"size:64"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	Status      int
	ContentType string `gorm:"size:64"`
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// Idempotency replays stored responses for repeated Idempotency-Key headers.
// Keys are scoped by caller so two accounts cannot collide. Server errors are
// not stored, so a retry after a 5xx executes again.
type Idempotency struct {
	db     *gorm.DB
	logger *slog.Logger
	mu     sync.Mutex
	locks  map[string]*keyMutex
}

type keyMutex struct {
	sync.Mutex
	refs int
}

// NewIdempotency migrates the record table and returns the middleware.
func NewIdempotency(db *gorm.DB, logger *slog.Logger) (*Idempotency, error) {
	if db == nil {
		return nil, errors.New("idempotency: database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&IdempotencyRecord{}); err != nil {
		return nil, err
	}
	return &Idempotency{db: db, logger: logger, locks: make(map[string]*keyMutex)}, nil
}

// keyLock serialises requests sharing key. Entries are dropped once the last
// holder or waiter releases.
func (i *Idempotency) keyLock(key string) func() {
	i.mu.Lock()
	lock, ok := i.locks[key]
	if !ok {
		lock = &keyMutex{}
		i.locks[key] = lock
	}
	lock.refs++
	i.mu.Unlock()
	lock.Lock()
	return func() {
		lock.Unlock()
		i.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(i.locks, key)
		}
		i.mu.Unlock()
	}
}

// Handler wraps next. Requests without the header pass straight through.
func (i *Idempotency) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderIdempotencyKey)
		if key == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		if caller, ok := CallerFromContext(r.Context()); ok {
			key = caller.Hex() + ":" + key
		}
		unlock := i.keyLock(key)
		defer unlock()

		var record IdempotencyRecord
		err := i.db.WithContext(r.Context()).First(&record, "key = ?", key).Error
		switch {
		case err == nil:
			if record.Method != r.Method || record.Path != r.URL.Path {
				http.Error(w, "idempotency key reused for a different request", http.StatusUnprocessableEntity)
				return
			}
			if record.ContentType != "" {
				w.Header().Set("Content-Type", record.ContentType)
			}
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(record.Status)
			_, _ = w.Write([]byte(record.Response))
			return
		case !errors.Is(err, gorm.ErrRecordNotFound):
			i.logger.Error("idempotency lookup failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)
		if recorder.status == 0 {
			recorder.status = http.StatusOK
		}
		if recorder.status >= http.StatusInternalServerError {
			return
		}
		record = IdempotencyRecord{
			Key:         key,
			RequestID:   RequestIDFromContext(r.Context()),
			Method:      r.Method,
			Path:        r.URL.Path,
			Status:      recorder.status,
			ContentType: recorder.Header().Get("Content-Type"),
			Response:    recorder.buf.String(),
			CreatedAt:   time.Now().UTC(),
		}
		// The mutation already ran, so a client disconnect must not skip the save.
		if err := i.db.WithContext(context.WithoutCancel(r.Context())).Create(&record).Error; err != nil {
			i.logger.Warn("idempotency store failed", "error", err, "request_id", record.RequestID)
		}
	})
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
