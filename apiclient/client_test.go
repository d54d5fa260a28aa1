package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	c := New(url)
	c.backoffBase = time.Millisecond
	return c
}

func TestSubmitSolutionClassifiesOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		want    Outcome
		wantErr bool
	}{
		{"accepted", http.StatusOK, OutcomeSuccess, false},
		{"bad request is fatal", http.StatusBadRequest, OutcomeFatal, false},
		{"conflict is fatal", http.StatusConflict, OutcomeFatal, false},
		{"server error is transient", http.StatusInternalServerError, OutcomeTransient, true},
		{"rate limit is transient", http.StatusTooManyRequests, OutcomeTransient, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			got, err := newTestClient(srv.URL).SubmitSolution(context.Background(), "0xabc", "c1", "0000000000000001")
			require.Equal(t, tt.want, got)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRegisterTreatsAlreadyRegisteredAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte("wallet already registered"))
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv.URL).Register(context.Background(), "0xabc", "sig", "pub"))
}

func TestDonateToTreatsConflictAsConsolidated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv.URL).DonateTo(context.Background(), "0xdest", "0xabc", "deadbeef"))
}

func TestGetChallengeRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"challenge": {"challenge_id": "abc12345", "difficulty": "0000ffff"}}`))
	}))
	defer srv.Close()

	ch, err := newTestClient(srv.URL).GetChallenge(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ch)
	require.Equal(t, "abc12345", ch.ChallengeID)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGetChallengeEmptyBodyMeansNoChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch, err := newTestClient(srv.URL).GetChallenge(context.Background())
	require.NoError(t, err)
	require.Nil(t, ch)
}
