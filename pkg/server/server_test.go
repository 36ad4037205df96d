package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/spindate/matchd/pkg/engine"
	"github.com/spindate/matchd/pkg/profile"
	"github.com/spindate/matchd/pkg/server"
	"github.com/spindate/matchd/pkg/store"
	"github.com/spindate/matchd/pkg/store/memstore"
	matchdtesting "github.com/spindate/matchd/utils/pkg/testing"
)

type harness struct {
	t        *testing.T
	clock    *clockwork.FakeClock
	store    *memstore.Memory
	profiles *profile.Static
	eng      *engine.Engine
	srv      *server.Server
}

func newHarness(t *testing.T, mutate ...func(*server.Config)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)),
		store:    memstore.New(),
		profiles: profile.NewStatic(),
	}
	eng, err := engine.New(engine.Config{
		Logger:   matchdtesting.NewLogger(),
		Clock:    h.clock,
		Store:    h.store,
		Profiles: h.profiles,
		// Formation stays explicit: handler tests assert transport
		// behavior, not pairing races.
		FormationTrigger: func(string) {},
	})
	require.NoError(t, err)
	h.eng = eng

	cfg := server.Config{
		Logger:     matchdtesting.NewLogger(),
		Clock:      h.clock,
		Engine:     eng,
		ListenAddr: "127.0.0.1:0",
		VersionInfo: server.VersionInfo{
			Version: "test",
			Commit:  "abc123",
			Date:    "2026-03-14",
		},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	srv, err := server.New(cfg)
	require.NoError(t, err)
	h.srv = srv
	return h
}

func (h *harness) addPair(female, male string) {
	h.profiles.Put(profile.Facts{UserID: female, Gender: profile.GenderFemale, Age: 30, Cities: []string{"berlin"}})
	h.profiles.Put(profile.Facts{UserID: male, Gender: profile.GenderMale, Age: 31, Cities: []string{"berlin"}})
}

func (h *harness) formMatch(a, b string) store.Match {
	h.t.Helper()
	ctx := h.t.Context()
	_, err := h.eng.Spin(ctx, a)
	require.NoError(h.t, err)
	_, err = h.eng.Spin(ctx, b)
	require.NoError(h.t, err)
	m, err := h.eng.TryMatch(ctx, a)
	require.NoError(h.t, err)
	require.NotNil(h.t, m)
	return *m
}

func (h *harness) do(method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestMatchd_Server_New_RequiresCoreDependencies(t *testing.T) {
	t.Parallel()

	_, err := server.New(server.Config{})
	require.Error(t, err)

	_, err = server.New(server.Config{Logger: matchdtesting.NewLogger()})
	require.ErrorContains(t, err, "engine is required")
}

func TestMatchd_Server_Healthz(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok\n", rec.Body.String())
}

func TestMatchd_Server_Readyz_GatedByChecks(t *testing.T) {
	t.Parallel()
	ready := false
	h := newHarness(t, func(cfg *server.Config) {
		cfg.ReadyChecks = []server.ReadyCheck{
			func(context.Context) error {
				if !ready {
					return errors.New("sweeper not ready")
				}
				return nil
			},
		}
	})

	rec := h.do(http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "sweeper not ready")

	ready = true
	rec = h.do(http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMatchd_Server_Version(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[server.VersionInfo](t, rec)
	require.Equal(t, "test", v.Version)
	require.Equal(t, "abc123", v.Commit)
}

func TestMatchd_Server_Spin(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addPair("alice", "bob")

	rec := h.do(http.MethodPost, "/v1/users/alice/spin", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[struct {
		State        store.UserState `json:"state"`
		WaitingSince time.Time       `json:"waiting_since"`
	}](t, rec)
	require.Equal(t, store.UserWaiting, resp.State)
	require.True(t, resp.WaitingSince.Equal(h.clock.Now()))
}

func TestMatchd_Server_Spin_UnknownUserIs404(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/users/ghost/spin", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMatchd_Server_Spin_DuringMatchIsHeartbeatOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addPair("alice", "bob")
	m := h.formMatch("alice", "bob")

	rec := h.do(http.MethodPost, "/v1/users/alice/spin", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[struct {
		State store.UserState `json:"state"`
	}](t, rec)
	require.Equal(t, store.UserMatched, resp.State)

	u, err := h.store.GetUser(t.Context(), "alice")
	require.NoError(t, err)
	require.Equal(t, m.ID, u.MatchID, "the match survives the re-spin")
}

func TestMatchd_Server_Heartbeat(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addPair("alice", "bob")
	h.do(http.MethodPost, "/v1/users/alice/spin", nil)

	h.clock.Advance(5 * time.Second)
	rec := h.do(http.MethodPost, "/v1/users/alice/heartbeat", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	u, err := h.store.GetUser(t.Context(), "alice")
	require.NoError(t, err)
	require.Equal(t, h.clock.Now(), u.LastActive)
}

func TestMatchd_Server_Acknowledge(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addPair("alice", "bob")
	m := h.formMatch("alice", "bob")

	rec := h.do(http.MethodPost, "/v1/users/alice/ack", map[string]string{"match_id": m.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[struct {
		WindowOpen       bool      `json:"window_open"`
		ExpiresAt        time.Time `json:"expires_at"`
		RemainingSeconds float64   `json:"remaining_seconds"`
	}](t, rec)
	require.True(t, resp.WindowOpen)
	require.True(t, resp.ExpiresAt.Equal(m.WindowExpiresAt))
	require.Equal(t, engine.DefaultVoteWindow.Seconds(), resp.RemainingSeconds)
}

func TestMatchd_Server_Acknowledge_MissingMatchIDIs400(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/users/alice/ack", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMatchd_Server_Acknowledge_NonParticipantIs403(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addPair("alice", "bob")
	m := h.formMatch("alice", "bob")
	h.profiles.Put(profile.Facts{UserID: "carol", Gender: profile.GenderFemale, Age: 30})

	rec := h.do(http.MethodPost, "/v1/users/carol/ack", map[string]string{"match_id": m.ID})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMatchd_Server_Vote_PassResolves(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addPair("alice", "bob")
	m := h.formMatch("alice", "bob")

	rec := h.do(http.MethodPost, "/v1/users/alice/vote", map[string]string{"match_id": m.ID, "vote": "pass"})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[struct {
		Resolved bool          `json:"resolved"`
		Outcome  store.Outcome `json:"outcome"`
	}](t, rec)
	require.True(t, resp.Resolved)
	require.Equal(t, store.OutcomePassPass, resp.Outcome)
}

func TestMatchd_Server_Vote_YesWaitsForPartner(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addPair("alice", "bob")
	m := h.formMatch("alice", "bob")

	rec := h.do(http.MethodPost, "/v1/users/alice/vote", map[string]string{"match_id": m.ID, "vote": "yes"})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[struct {
		Resolved          bool `json:"resolved"`
		WaitingForPartner bool `json:"waiting_for_partner"`
	}](t, rec)
	require.False(t, resp.Resolved)
	require.True(t, resp.WaitingForPartner)
}

func TestMatchd_Server_Vote_BadValueIs409(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addPair("alice", "bob")
	m := h.formMatch("alice", "bob")

	rec := h.do(http.MethodPost, "/v1/users/alice/vote", map[string]string{"match_id": m.ID, "vote": "maybe"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestMatchd_Server_Vote_AfterExpiryIs410(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addPair("alice", "bob")
	m := h.formMatch("alice", "bob")

	h.clock.Advance(engine.DefaultVoteWindow)
	rec := h.do(http.MethodPost, "/v1/users/alice/vote", map[string]string{"match_id": m.ID, "vote": "yes"})
	require.Equal(t, http.StatusGone, rec.Code)
}

func TestMatchd_Server_Leave(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addPair("alice", "bob")
	h.do(http.MethodPost, "/v1/users/alice/spin", nil)

	rec := h.do(http.MethodPost, "/v1/users/alice/leave", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	u, err := h.store.GetUser(t.Context(), "alice")
	require.NoError(t, err)
	require.Equal(t, store.UserIdle, u.State)
}

func TestMatchd_Server_Status_ReflectsMutationsImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addPair("alice", "bob")

	rec := h.do(http.MethodGet, "/v1/users/alice/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[struct {
		State store.UserState `json:"state"`
	}](t, rec)
	require.Equal(t, store.UserIdle, st.State)

	// The idle status was just cached; the spin must invalidate it so the
	// next poll sees waiting without waiting out the TTL.
	h.do(http.MethodPost, "/v1/users/alice/spin", nil)
	rec = h.do(http.MethodGet, "/v1/users/alice/status", nil)
	st = decode[struct {
		State store.UserState `json:"state"`
	}](t, rec)
	require.Equal(t, store.UserWaiting, st.State)
}

func TestMatchd_Server_Status_ShowsMatchView(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addPair("alice", "bob")
	m := h.formMatch("alice", "bob")

	rec := h.do(http.MethodGet, "/v1/users/alice/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	st := decode[struct {
		State store.UserState `json:"state"`
		Match *struct {
			MatchID          string  `json:"match_id"`
			PartnerID        string  `json:"partner_id"`
			RemainingSeconds float64 `json:"remaining_seconds"`
		} `json:"match"`
	}](t, rec)
	require.Equal(t, store.UserMatched, st.State)
	require.NotNil(t, st.Match)
	require.Equal(t, m.ID, st.Match.MatchID)
	require.Equal(t, "bob", st.Match.PartnerID)
	require.Equal(t, engine.DefaultVoteWindow.Seconds(), st.Match.RemainingSeconds)
}

func TestMatchd_Server_RateLimit_RejectsBurstOverflow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *server.Config) {
		cfg.RateLimit = rate.Limit(1)
		cfg.RateBurst = 2
	})
	h.addPair("alice", "bob")

	var rejected bool
	for i := 0; i < 5; i++ {
		rec := h.do(http.MethodPost, "/v1/users/alice/spin", nil)
		if rec.Code == http.StatusTooManyRequests {
			require.NotEmpty(t, rec.Header().Get("Retry-After"))
			rejected = true
			break
		}
	}
	require.True(t, rejected, "burst of 5 spins against burst budget 2 never hit the limiter")

	// Other users get their own bucket.
	rec := h.do(http.MethodPost, "/v1/users/bob/spin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMatchd_Server_VideoBracket(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addPair("alice", "bob")
	m := h.formMatch("alice", "bob")

	for _, user := range []string{"alice", "bob"} {
		rec := h.do(http.MethodPost, "/v1/users/"+user+"/vote", map[string]string{"match_id": m.ID, "vote": "yes"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := h.do(http.MethodPost, fmt.Sprintf("/v1/matches/%s/video/begin", m.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	u, err := h.store.GetUser(t.Context(), "alice")
	require.NoError(t, err)
	require.Equal(t, store.UserVideoDate, u.State)

	rec = h.do(http.MethodPost, fmt.Sprintf("/v1/matches/%s/video/end", m.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	u, err = h.store.GetUser(t.Context(), "alice")
	require.NoError(t, err)
	require.Equal(t, store.UserIdle, u.State)
}

func TestMatchd_Server_VideoBegin_UnresolvedMatchIs409(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addPair("alice", "bob")
	m := h.formMatch("alice", "bob")

	rec := h.do(http.MethodPost, fmt.Sprintf("/v1/matches/%s/video/begin", m.ID), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}
