package httpmw

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMaxBody(t *testing.T) {
	t.Parallel()

	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := io.ReadAll(r.Body)
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	small := httptest.NewRecorder()
	h.ServeHTTP(small, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("tiny")))
	if small.Code != http.StatusOK {
		t.Fatalf("small body: %d", small.Code)
	}

	big := httptest.NewRecorder()
	h.ServeHTTP(big, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("way too large body")))
	if big.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("large body: %d", big.Code)
	}
}
