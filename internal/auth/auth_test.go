package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/umicp/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
			log.Debug().Str("stored", tc.stored).Str("input", tc.input).Err(err).Msg("auth/static-token")
		})
	}
}

func TestAllowList(t *testing.T) {
	testlog.Start(t)
	a := NewAllowList("node-b", " ", " node-a ")
	if got := a.IDs(); len(got) != 2 || got[0] != "node-a" || got[1] != "node-b" {
		t.Fatalf("unexpected ids: %v", got)
	}
	if err := a.Validate("node-a"); err != nil {
		t.Fatalf("expected node-a allowed, got %v", err)
	}
	if err := a.Validate("node-c"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for node-c, got %v", err)
	}
	if err := NewAllowList().Validate(""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected empty allow list to reject, got %v", err)
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestRequireBearer(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequireBearer(StaticToken{Token: "s3cret"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	cases := []struct {
		header string
		want   int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"Basic s3cret", http.StatusUnauthorized},
		{"Bearer s3cret", http.StatusNoContent},
		{"bearer s3cret", http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Fatalf("header %q: expected %d, got %d", tc.header, tc.want, rr.Code)
		}
	}
}
