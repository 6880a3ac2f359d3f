package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/posguard/internal/hsm"
	"github.com/andrei-cloud/posguard/internal/keymgr"
	"github.com/andrei-cloud/posguard/internal/ledger"
	"github.com/andrei-cloud/posguard/internal/metrics"
	"github.com/andrei-cloud/posguard/internal/storage/memory"
)

type stubKeys struct {
	statuses []keymgr.Status
	err      error
}

func (s stubKeys) Statuses(context.Context) ([]keymgr.Status, error) { return s.statuses, s.err }

type stubTamper struct{ running, tampered bool }

func (s stubTamper) Running() bool  { return s.running }
func (s stubTamper) Tampered() bool { return s.tampered }

type brokenQueue struct{}

func (brokenQueue) ListPendingReversals(context.Context) ([]ledger.PendingReversal, error) {
	return nil, &ledger.StoreError{Op: "list reversals", Err: errors.New("disk gone")}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		tamper   Tamper
		wantCode int
		wantBody string
	}{
		{name: "no monitor", wantCode: http.StatusOK, wantBody: "ok"},
		{name: "running", tamper: stubTamper{running: true}, wantCode: http.StatusOK, wantBody: "ok"},
		{name: "tampered", tamper: stubTamper{tampered: true}, wantCode: http.StatusServiceUnavailable, wantBody: "tampered"},
	}

	for _, tt := range tests {
		tt := tt // capture range variable.
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := get(t, NewRouter(Deps{Tamper: tt.tamper}), "/healthz")
			assert.Equal(t, tt.wantCode, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantBody, body["status"])
		})
	}
}

func TestKeys(t *testing.T) {
	t.Parallel()
	at := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	h := NewRouter(Deps{Keys: stubKeys{statuses: []keymgr.Status{
		{Purpose: hsm.PurposePIN, Phase: keymgr.PhaseActive, ActiveSlot: hsm.SlotB, KeyID: "k-1", KeyCheckValue: "08D7B4", ActivatedAt: &at, Fresh: true},
		{Purpose: hsm.PurposeMAC, Phase: keymgr.PhaseNoKey},
	}}})

	rec := get(t, h, "/v1/keys")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "B", got[0]["activeSlot"])
	assert.Equal(t, "08D7B4", got[0]["keyCheckValue"])
	assert.Equal(t, "none", got[1]["activeSlot"])
	assert.Equal(t, "no_key", got[1]["phase"])

	failing := NewRouter(Deps{Keys: stubKeys{err: errors.New("store down")}})
	assert.Equal(t, http.StatusInternalServerError, get(t, failing, "/v1/keys").Code)

	storeFailure := &keymgr.Failure{
		Kind:    keymgr.KindStore,
		Purpose: hsm.PurposePIN,
		Reason:  "load state",
		Err:     errors.New("disk gone"),
	}
	rec = get(t, NewRouter(Deps{Keys: stubKeys{err: storeFailure}}), "/v1/keys")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "key provisioning unavailable")
	assert.NotContains(t, rec.Body.String(), "disk gone")
}

func TestTamperRoute(t *testing.T) {
	t.Parallel()
	rec := get(t, NewRouter(Deps{Tamper: stubTamper{running: true}}), "/v1/tamper")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"running":true,"tampered":false}`, rec.Body.String())
}

func TestReversalsRoute(t *testing.T) {
	t.Parallel()
	l := ledger.New(memory.New())
	_, err := l.EnqueueReversal(context.Background(), ledger.TransactionRecord{RRN: "R1"})
	require.NoError(t, err)

	rec := get(t, NewRouter(Deps{Reversals: l}), "/v1/reversals")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pending":1,"ids":[1]}`, rec.Body.String())

	broken := get(t, NewRouter(Deps{Reversals: brokenQueue{}}), "/v1/reversals")
	assert.Equal(t, http.StatusServiceUnavailable, broken.Code)
	assert.Contains(t, broken.Body.String(), "transaction count unavailable")
	assert.NotContains(t, broken.Body.String(), "disk gone")
}

func TestDisabledRoutes(t *testing.T) {
	t.Parallel()
	h := NewRouter(Deps{})
	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/keys").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/tamper").Code)
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	metrics.TamperEventsTotal.Add(0)

	rec := get(t, NewRouter(Deps{}), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "posguard_tamper_events_total"))
}
