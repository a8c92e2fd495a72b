package apierr

import "testing"

func TestWSCloseCode(t *testing.T) {
	cases := map[Code]int{
		Unauthenticated: 4001,
		Forbidden:       4003,
		RateLimited:     4008,
		Internal:        1011,
		Validation:      0,
	}
	for code, want := range cases {
		if got := WSCloseCode(code); got != want {
			t.Errorf("WSCloseCode(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(UpstreamFailure) {
		t.Error("upstream_failure should be retryable")
	}
	if Retryable(Validation) || Retryable(Forbidden) {
		t.Error("validation and forbidden must never be retried")
	}
}

func TestCodeOfUnwraps(t *testing.T) {
	base := New(Conflict, nil)
	wrapped := Newf(Internal, "outer: %w", base)
	// Newf's %w keeps base reachable via Unwrap, but CodeOf stops at the
	// first *Error it meets, so the outer Internal code wins.
	if CodeOf(wrapped) != Internal {
		t.Errorf("expected outer code Internal, got %s", CodeOf(wrapped))
	}
	if CodeOf(base) != Conflict {
		t.Errorf("expected Conflict, got %s", CodeOf(base))
	}
}
