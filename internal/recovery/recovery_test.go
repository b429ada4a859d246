package recovery

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pion/logging"
)

func testLogger() logging.LeveledLogger {
	return logging.NewDefaultLoggerFactory().NewLogger("recovery-test")
}

func TestMiddlewareRecoversPanicAndWrites500(t *testing.T) {
	handler := Middleware(testLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestMiddlewarePassesThroughOnNoPanic(t *testing.T) {
	handler := Middleware(testLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestGuardContainsPanic(t *testing.T) {
	done := make(chan struct{})
	go func() {
		Guard(testLogger(), "test-task", func() {
			panic("task exploded")
		})
		close(done)
	}()

	<-done // Guard must return normally despite the panic
}

func TestGuardRunsFnNormally(t *testing.T) {
	ran := false
	Guard(testLogger(), "test-task", func() {
		ran = true
	})
	if !ran {
		t.Fatal("expected fn to run")
	}
}

func TestSafeCloserSwallowsPanicAndError(t *testing.T) {
	SafeCloser(testLogger(), func() error {
		panic("close exploded")
	}, "resource")
	SafeCloser(testLogger(), func() error {
		return errors.New("close failed")
	}, "resource")
	// must not panic out of this test
}
