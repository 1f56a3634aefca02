package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"source", SourceErr("hn", "fetch", base), Source},
		{"validation", ValidationErr("k1", "caption is required"), Validation},
		{"store", StoreErr("create post", "t", base), Store},
		{"config", ConfigErr("ghost ping", base), Config},
		{"wrapped", fmt.Errorf("cycle: %w", StoreErr("delete post", "1", base)), Store},
		{"plain", base, Unknown},
		{"nil", nil, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(ConfigErr("load", errors.New("bad key"))) {
		t.Error("config error should be fatal")
	}
	if IsFatal(SourceErr("rss", "fetch", errors.New("timeout"))) {
		t.Error("source error should not be fatal")
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	base := errors.New("connection refused")
	err := SourceErr("hn", "fetch", base)

	if got, want := err.Error(), "source: fetch hn: connection refused"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, base) {
		t.Error("expected errors.Is to find the wrapped error")
	}
}
