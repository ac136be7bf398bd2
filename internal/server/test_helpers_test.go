package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/recount/internal/auth"
	"github.com/MarcoPoloResearchLab/recount/internal/counts"
	"github.com/MarcoPoloResearchLab/recount/internal/database"
	"github.com/MarcoPoloResearchLab/recount/internal/realtime"
	"github.com/MarcoPoloResearchLab/recount/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
)

type apiFixture struct {
	handler    http.Handler
	service    *counts.Service
	dispatcher *realtime.Dispatcher
	inventory  counts.Inventory
	issuer     *auth.SessionIssuer
}

func newAPIFixture(t *testing.T) apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "recount.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })

	log, err := counts.NewGormLog(db)
	if err != nil {
		t.Fatalf("failed to build count log: %v", err)
	}
	dispatcher := realtime.NewDispatcher(realtime.DispatcherConfig{BufferSize: 16})
	service, err := counts.NewService(counts.ServiceConfig{
		Log:        log,
		IDProvider: counts.NewUUIDProvider(),
		Publisher:  dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build counts service: %v", err)
	}
	inventory, err := service.EnsureInventory(context.Background(), "INVENTARIO 01")
	if err != nil {
		t.Fatalf("failed to ensure inventory: %v", err)
	}

	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build profile service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator:  validator,
		Profiles:          profiles,
		CountsService:     service,
		Realtime:          dispatcher,
		Logger:            zap.NewNop(),
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return apiFixture{
		handler:    handler,
		service:    service,
		dispatcher: dispatcher,
		inventory:  inventory,
		issuer:     issuer,
	}
}

func (f apiFixture) session(t *testing.T, userID string, role auth.Role) string {
	t.Helper()
	token, _, err := f.issuer.Issue(auth.SessionIdentity{
		UserID:      userID,
		DisplayName: strings.ToUpper(userID[:1]) + userID[1:],
		Roles:       []auth.Role{role},
	})
	if err != nil {
		t.Fatalf("failed to issue session: %v", err)
	}
	return token
}

func (f apiFixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.AddCookie(&http.Cookie{Name: testCookieName, Value: token})
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f apiFixture) inventoryPath(suffix string) string {
	return "/inventories/" + f.inventory.ID.String() + suffix
}
