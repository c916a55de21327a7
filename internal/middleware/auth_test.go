package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mmeshcher/studymate/internal/model"
)

const testDeviceID = "0b5f2c3e-8d1a-4f5e-9a7b-2c4d6e8f0a1b"

func TestIdentify_WithValidCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		id, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("identity not in context")
		}
		if id != model.Authenticated("user-42") {
			t.Fatalf("identity from context = %+v, want authenticated user-42", id)
		}
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set(DeviceIDHeader, testDeviceID)

	m.SetAuthCookie(w, "user-42")
	resCookies := w.Result().Cookies()
	if len(resCookies) == 0 {
		t.Fatalf("no cookies set by SetAuthCookie")
	}

	r.AddCookie(resCookies[0])

	m.Identify(next).ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestIdentify_WithDeviceHeader(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	var got model.Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
	})

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set(DeviceIDHeader, "0B5F2C3E-8D1A-4F5E-9A7B-2C4D6E8F0A1B")

	m.Identify(next).ServeHTTP(httptest.NewRecorder(), r)

	if got != model.Anonymous(testDeviceID) {
		t.Fatalf("identity = %+v, want anonymous %s", got, testDeviceID)
	}
}

func TestIdentify_Rejects(t *testing.T) {
	other := NewAuthMiddleware("other-secret")
	forged := httptest.NewRecorder()
	other.SetAuthCookie(forged, "user-42")

	tests := []struct {
		name    string
		prepare func(r *http.Request)
	}{
		{name: "no identity", prepare: func(r *http.Request) {}},
		{name: "invalid device id", prepare: func(r *http.Request) { r.Header.Set(DeviceIDHeader, "device-1") }},
		{name: "malformed cookie", prepare: func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: authCookieName, Value: "user-42"})
			r.Header.Set(DeviceIDHeader, testDeviceID)
		}},
		{name: "cookie signed with another key", prepare: func(r *http.Request) {
			r.AddCookie(forged.Result().Cookies()[0])
		}},
	}

	m := NewAuthMiddleware("test-secret")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("next handler should not be called")
			})

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/protected", nil)
			tt.prepare(r)

			m.Identify(next).ServeHTTP(w, r)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestClearAuthCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	w := httptest.NewRecorder()

	m.ClearAuthCookie(w)

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != authCookieName || cookies[0].MaxAge >= 0 {
		t.Fatalf("unexpected cookies: %+v", cookies)
	}
}
