package b2bua

import "testing"

func TestMediaSessionErrorMessage(t *testing.T) {
	err := &MediaSessionError{Code: "7"}
	want := "b2bua: media session error: 7"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestSentinelErrorsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrUnknownAoR,
		ErrMediaBackendUnavailable,
		ErrAnswerTimeout,
		ErrLoopDetected,
		ErrPeerTransportFailure,
		ErrGlare,
		ErrCallNotFound,
	}
	seen := map[string]bool{}
	for _, err := range sentinels {
		msg := err.Error()
		if seen[msg] {
			t.Errorf("duplicate sentinel error message %q", msg)
		}
		seen[msg] = true
	}
}
