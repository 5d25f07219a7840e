package server_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/creditlock/pkg/artifacts"
	"github.com/Mindburn-Labs/creditlock/pkg/auth"
	"github.com/Mindburn-Labs/creditlock/pkg/crypto"
	"github.com/Mindburn-Labs/creditlock/pkg/document"
	"github.com/Mindburn-Labs/creditlock/pkg/formlock"
	"github.com/Mindburn-Labs/creditlock/pkg/keylock"
	"github.com/Mindburn-Labs/creditlock/pkg/ledger"
	"github.com/Mindburn-Labs/creditlock/pkg/render"
	"github.com/Mindburn-Labs/creditlock/pkg/review"
	"github.com/Mindburn-Labs/creditlock/pkg/server"
	"github.com/Mindburn-Labs/creditlock/pkg/service"
	"github.com/Mindburn-Labs/creditlock/pkg/snapshot"
	"github.com/Mindburn-Labs/creditlock/pkg/trace"
)

const (
	analystKey  = "analyst-key"
	reviewerKey = "reviewer-key"
	adminKey    = "admin-key"
	directorKey = "director-key"
)

func newTestServer(t *testing.T, checks map[string]server.Check) http.Handler {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	traces, err := trace.NewLogger(t.TempDir())
	require.NoError(t, err)
	signer, err := crypto.NewEd25519Signer("test-key")
	require.NoError(t, err)
	renderer, err := render.NewTemplateRenderer("")
	require.NoError(t, err)
	blobs, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	locker := keylock.New()

	svc, err := service.New(service.Deps{
		Ledger:    l,
		Snapshots: snapshot.NewBuilder(l, snapshot.NewMemoryStore()),
		Engine:    document.NewEngine(document.WithSigner(signer)),
		Versions:  document.NewMemoryStore(),
		Locks:     formlock.NewManager(formlock.NewMemoryStore(), locker),
		Traces:    traces,
		Locker:    locker,
		Renderer:  renderer,
		Artifacts: blobs,
	})
	require.NoError(t, err)

	srv, err := server.New(svc, server.Options{
		Keys: map[string]auth.KeyGrant{
			analystKey:  {Name: "ana", Role: review.RoleAnalyst},
			reviewerKey: {Name: "rita", Role: review.RoleReviewer},
			adminKey:    {Name: "adam", Role: review.RoleAdmin},
			directorKey: {Name: "dana", Role: review.RoleDirector},
		},
		Checks: checks,
	})
	require.NoError(t, err)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(auth.APIKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func generateBody(ids ...string) map[string]any {
	return map[string]any{
		"header": map[string]any{
			"tax_year":           2024,
			"name_on_return":     "Acme Robotics Inc",
			"identifying_number": "12-3456789",
		},
		"inputs":          map[string]any{"qre_wages": "100000"},
		"entity_ids":      ids,
		"ruleset_version": "1.0.0",
		"created_by":      "pat",
	}
}

func approve(t *testing.T, h http.Handler, ids ...string) {
	t.Helper()
	for _, id := range ids {
		rec := do(t, h, http.MethodPost, "/api/v1/reviews/"+id+"/action", reviewerKey,
			map[string]any{"status": "APPROVED", "reviewer_name": "rita"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
}

func TestHealth_PublicAndChecks(t *testing.T) {
	h := newTestServer(t, nil)
	rec := do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	h = newTestServer(t, map[string]server.Check{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	rec = do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"])
	assert.Equal(t, "connection refused", checks["redis"])
}

func TestAPI_RequiresAuthentication(t *testing.T) {
	h := newTestServer(t, nil)
	rec := do(t, h, http.MethodGet, "/api/v1/reviews/P-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/reviews/P-1", "wrong-key", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReviewFlow(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/reviews/P-1", analystKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MANUAL_REVIEW", decode(t, rec)["current_status"])

	rec = do(t, h, http.MethodPost, "/api/v1/reviews/P-1/action", analystKey,
		map[string]any{"status": "APPROVED", "reviewer_name": "ana"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/reviews/P-1/action", analystKey,
		map[string]any{"status": "APPROVED", "reviewer_name": "ana", "reviewer_role": "DIRECTOR"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "claimed role must match the credential")

	rec = do(t, h, http.MethodPost, "/api/v1/reviews/P-1/action", reviewerKey,
		map[string]any{"status": "APPROVED"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "MANUAL_REVIEW", body["previous_status"])
	rv := body["review"].(map[string]any)
	assert.Equal(t, "rita", rv["reviewer_name"], "name defaults to the principal")
	assert.Equal(t, "REVIEWER", rv["reviewer_role"])

	rec = do(t, h, http.MethodPost, "/api/v1/reviews/P-1/action", reviewerKey,
		map[string]any{"status": "REJECTED", "reason": "too short"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/reviews/P-1/action", reviewerKey,
		map[string]any{"status": "NOT_A_STATUS"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/reviews/P-1/action", reviewerKey,
		map[string]any{"status": "APPROVED", "unexpected": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/reviews/P-1/report", analystKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/reviews/P-404/report", analystKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueue(t *testing.T) {
	h := newTestServer(t, nil)
	rec := do(t, h, http.MethodPost, "/api/v1/classifications", analystKey, map[string]any{
		"model_name": "clf-2024",
		"results": []map[string]any{
			{"entity_id": "P-a", "eligible": true, "confidence": 0.9, "rationale": "builds a prototype"},
			{"entity_id": "P-b", "eligible": false, "confidence": 0.2, "rationale": "unclear"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, decode(t, rec)["count"])

	rec = do(t, h, http.MethodGet, "/api/v1/reviews/queue?status=MANUAL_REVIEW,RECOMMENDED_ELIGIBLE&limit=10", analystKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["count"])
	items := body["items"].([]any)
	assert.Equal(t, "P-b", items[0].(map[string]any)["entity_id"], "least confident first")

	rec = do(t, h, http.MethodGet, "/api/v1/reviews/queue?status=BOGUS", analystKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/v1/reviews/queue?limit=0", analystKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/classifications", analystKey, map[string]any{
		"results": []map[string]any{{"entity_id": "P-c", "confidence": 1.5}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateAndLookups(t *testing.T) {
	h := newTestServer(t, nil)
	approve(t, h, "P-1", "P-2")

	rec := do(t, h, http.MethodPost, "/api/v1/documents/generate", reviewerKey, generateBody("P-1", "P-2", "P-3"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	version := body["form_version"].(map[string]any)
	versionID := version["version_id"].(string)
	cohort := version["cohort_key"].(string)
	snapshotID := body["snapshot"].(map[string]any)["snapshot_id"].(string)
	assert.Equal(t, versionID, body["lock"].(map[string]any)["active_version_id"])

	rec = do(t, h, http.MethodGet, "/api/v1/documents/versions/"+versionID, analystKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, version["content_hash"], decode(t, rec)["content_hash"])

	rec = do(t, h, http.MethodGet, "/api/v1/documents/"+cohort+"/active", analystKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, versionID, decode(t, rec)["form_version"].(map[string]any)["version_id"])

	rec = do(t, h, http.MethodGet, "/api/v1/documents/"+cohort+"/versions", analystKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = do(t, h, http.MethodGet, "/api/v1/documents/"+cohort+"/nothing", analystKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/documents/versions/"+versionID+"/artifact", analystKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="`+versionID+`.txt"`, rec.Header().Get("Content-Disposition"))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	assert.NotEmpty(t, rec.Body.Bytes())

	rec = do(t, h, http.MethodGet, "/api/v1/snapshots/"+snapshotID, analystKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/locks/"+cohort+"/history", analystKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = do(t, h, http.MethodGet, "/api/v1/documents/versions/missing", analystKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGenerate_ArtifactFilenameFollowsTemplate(t *testing.T) {
	h := newTestServer(t, nil)
	approve(t, h, "P-1")

	csv := generateBody("P-1")
	csv["cohort_key"] = "lines"
	csv["template_ref"] = "lines.csv"
	rec := do(t, h, http.MethodPost, "/api/v1/documents/generate", reviewerKey, csv)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	versionID := decode(t, rec)["form_version"].(map[string]any)["version_id"].(string)

	rec = do(t, h, http.MethodGet, "/api/v1/documents/versions/"+versionID+"/artifact", analystKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/csv"))
	assert.Equal(t, `attachment; filename="`+versionID+`.csv"`, rec.Header().Get("Content-Disposition"))

	unknown := generateBody("P-1")
	unknown["cohort_key"] = "glossy"
	unknown["template_ref"] = "form6765.pdf"
	rec = do(t, h, http.MethodPost, "/api/v1/documents/generate", reviewerKey, unknown)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	version := decode(t, rec)["form_version"].(map[string]any)
	assert.Nil(t, version["rendered_artifact_ref"])

	rec = do(t, h, http.MethodGet, "/api/v1/documents/glossy/active", analystKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/v1/documents/versions/"+version["version_id"].(string)+"/artifact", analystKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGenerate_Relock(t *testing.T) {
	h := newTestServer(t, nil)
	approve(t, h, "P-1")
	rec := do(t, h, http.MethodPost, "/api/v1/documents/generate", reviewerKey, generateBody("P-1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	second := generateBody("P-1")
	second["inputs"] = map[string]any{"qre_wages": 150000}
	rec = do(t, h, http.MethodPost, "/api/v1/documents/generate", reviewerKey, second)
	assert.Equal(t, http.StatusConflict, rec.Code)

	second["override_reason"] = "amended wages after payroll audit"
	rec = do(t, h, http.MethodPost, "/api/v1/documents/generate", reviewerKey, second)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/documents/generate", adminKey, second)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotNil(t, decode(t, rec)["previous_lock"])
}

func TestGenerate_SchemaRejections(t *testing.T) {
	h := newTestServer(t, nil)

	missing := generateBody("P-1")
	delete(missing, "created_by")
	rec := do(t, h, http.MethodPost, "/api/v1/documents/generate", reviewerKey, missing)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "request does not match schema")

	negative := generateBody("P-1")
	negative["inputs"] = map[string]any{"qre_wages": -5}
	rec = do(t, h, http.MethodPost, "/api/v1/documents/generate", reviewerKey, negative)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	extra := generateBody("P-1")
	extra["surprise"] = 1
	rec = do(t, h, http.MethodPost, "/api/v1/documents/generate", reviewerKey, extra)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/documents/generate", reviewerKey, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/documents/generate", reviewerKey, generateBody("P-unreviewed"))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no approved entities")
}

func TestAuditPackage(t *testing.T) {
	h := newTestServer(t, nil)
	approve(t, h, "P-1")

	rec := do(t, h, http.MethodPost, "/api/v1/audit/P-1/package", analystKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Len(t, rec.Header().Get("X-Checksum-SHA256"), 64)

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	assert.NotEmpty(t, zr.File)

	rec = do(t, h, http.MethodPost, "/api/v1/audit/P-none/package", analystKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
