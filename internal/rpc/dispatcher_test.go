package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/openkasse/kassad/internal/auth"
	"github.com/openkasse/kassad/internal/core/engine"
	"github.com/openkasse/kassad/internal/core/fiscal"
	"github.com/openkasse/kassad/internal/core/storno"
	"github.com/openkasse/kassad/internal/search"
	"github.com/openkasse/kassad/internal/storage/relationaldb"
	"github.com/openkasse/kassad/internal/storage/relationaldb/sqlite"
)

type stubSigner struct{ counter int64 }

func (s *stubSigner) Sign(ctx context.Context, payload []byte) (*fiscal.Signature, error) {
	s.counter++
	return &fiscal.Signature{Signature: "sig", Counter: s.counter, TSETimestamp: time.Now().UTC()}, nil
}

type dispatchRig struct {
	dispatcher *Dispatcher
	repos      relationaldb.RepositoryManager
	coffee     int64
}

func newDispatchRig(t *testing.T) *dispatchRig {
	t.Helper()
	ctx := context.Background()

	m := sqlite.NewManager(sqlite.Config{Path: filepath.Join(t.TempDir(), "rpc.db")}, zerolog.Nop())
	require.NoError(t, m.Open(ctx))
	t.Cleanup(func() { m.Close(ctx) })

	company := &relationaldb.Company{Name: "Test"}
	require.NoError(t, m.Catalog().InsertCompany(ctx, company))
	branch := &relationaldb.Branch{CompanyID: company.ID, Name: "Main"}
	require.NoError(t, m.Catalog().InsertBranch(ctx, branch))
	device := &relationaldb.POSDevice{BranchID: branch.ID, Name: "POS"}
	require.NoError(t, m.Catalog().InsertPOSDevice(ctx, device))
	drinks := &relationaldb.Category{POSDeviceID: device.ID,
		DisplayNames: map[string]string{"de": "Getränke"}, CategoryType: "drink"}
	require.NoError(t, m.Catalog().InsertCategory(ctx, drinks))
	coffee := &relationaldb.Item{CategoryID: drinks.ID,
		DisplayNames: map[string]string{"de": "Coffee"},
		Price:        decimal.RequireFromString("3.00")}
	require.NoError(t, m.Catalog().InsertItem(ctx, coffee))

	role := &relationaldb.Role{Name: "staff", Permissions: []string{"transaction_manage"}}
	require.NoError(t, m.Users().CreateRole(ctx, role))
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	user := &relationaldb.User{Username: "anna", PasswordHash: string(hash),
		RoleID: role.ID, IsActive: true,
		StornoDailyLimit:     decimal.NewFromInt(50),
		StornoEmergencyLimit: decimal.NewFromInt(25),
		TrustScore:           50}
	require.NoError(t, m.Users().Create(ctx, user))

	fiscalSvc := fiscal.NewService(m, &stubSigner{}, zerolog.Nop())
	services := Services{
		Auth:   auth.NewService(m, time.Hour, zerolog.Nop()),
		Engine: engine.New(m, fiscalSvc, nil, nil, zerolog.Nop()),
		Storno: storno.NewService(m, fiscalSvc, zerolog.Nop()),
		Search: search.NewService(m, nil, zerolog.Nop()),
		Repos:  m,
	}
	return &dispatchRig{
		dispatcher: NewDispatcher(services, time.Minute, zerolog.Nop()),
		repos:      m,
		coffee:     coffee.ID,
	}
}

func frame(t *testing.T, opID, command string, payload interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"operationId": opID,
		"command":     command,
		"payload":     payload,
	})
	require.NoError(t, err)
	return raw
}

func (r *dispatchRig) login(t *testing.T, client *Client) {
	t.Helper()
	resp := r.dispatcher.Dispatch(context.Background(), client,
		frame(t, "op-login-"+client.ID, "login", map[string]string{"username": "anna", "password": "pw"}))
	require.Equal(t, StatusSuccess, resp.Status, "%v", resp.Payload)
}

func TestMissingOperationIDRejected(t *testing.T) {
	r := newDispatchRig(t)
	client := NewClient("c1")

	resp := r.dispatcher.Dispatch(context.Background(), client,
		frame(t, "", "ping_ws", nil))
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "websocket", resp.Channel)
	assert.NotEmpty(t, resp.ServerTime)
}

func TestPingRoundTrip(t *testing.T) {
	r := newDispatchRig(t)
	client := NewClient("c1")

	resp := r.dispatcher.Dispatch(context.Background(), client, frame(t, "op-1", "ping_ws", nil))
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "ping_wsResponse", resp.Command)
	assert.Equal(t, "op-1", resp.OperationID)
}

func TestDuplicateOperationIsShortCircuited(t *testing.T) {
	r := newDispatchRig(t)
	client := NewClient("c1")
	ctx := context.Background()
	r.login(t, client)

	created := r.dispatcher.Dispatch(ctx, client,
		frame(t, "op-create", "findOrCreateActiveTransaction", map[string]interface{}{}))
	require.Equal(t, StatusSuccess, created.Status)
	assert.Equal(t, "orderUpdated", created.Command)
	view := created.Payload.(*engine.TransactionView)

	addPayload := map[string]interface{}{
		"transactionId": view.Transaction.ID,
		"itemId":        r.coffee,
		"quantity":      "2",
	}
	first := r.dispatcher.Dispatch(ctx, client, frame(t, "op-X", "addItemToTransaction", addPayload))
	require.Equal(t, StatusSuccess, first.Status, "%v", first.Payload)

	second := r.dispatcher.Dispatch(ctx, client, frame(t, "op-X", "addItemToTransaction", addPayload))
	assert.Equal(t, StatusAlreadyProcessed, second.Status)

	// Dedup is process-wide: another connection is also short-circuited.
	other := NewClient("c2")
	third := r.dispatcher.Dispatch(ctx, other, frame(t, "op-X", "addItemToTransaction", addPayload))
	assert.Equal(t, StatusAlreadyProcessed, third.Status)

	items, err := r.repos.Transactions().GetItems(ctx, view.Transaction.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1, "duplicate must not add a second line")
}

func TestUnknownCommand(t *testing.T) {
	r := newDispatchRig(t)
	resp := r.dispatcher.Dispatch(context.Background(), NewClient("c1"),
		frame(t, "op-1", "teleport", nil))
	assert.Equal(t, StatusError, resp.Status)
	payload := resp.Payload.(ErrorPayload)
	assert.Contains(t, payload.Message, "teleport")
}

func TestResponseRenames(t *testing.T) {
	r := newDispatchRig(t)
	client := NewClient("c1")
	ctx := context.Background()
	r.login(t, client)

	created := r.dispatcher.Dispatch(ctx, client,
		frame(t, "op-1", "findOrCreateActiveTransaction", nil))
	require.Equal(t, StatusSuccess, created.Status)
	view := created.Payload.(*engine.TransactionView)

	r.dispatcher.Dispatch(ctx, client, frame(t, "op-2", "addItemToTransaction", map[string]interface{}{
		"transactionId": view.Transaction.ID, "itemId": r.coffee, "quantity": "1",
	}))

	finished := r.dispatcher.Dispatch(ctx, client, frame(t, "op-3", "finishTransaction", map[string]interface{}{
		"transactionId": view.Transaction.ID,
		"paymentType":   "CASH",
		"paymentAmount": "3.00",
	}))
	require.Equal(t, StatusSuccess, finished.Status, "%v", finished.Payload)
	assert.Equal(t, "transactionFinished", finished.Command)

	check := r.dispatcher.Dispatch(ctx, client, frame(t, "op-4", "checkTableAvailability", map[string]interface{}{
		"table": "5",
	}))
	assert.Equal(t, "checkTableAvailabilityResponse", check.Command)
}

func TestCommandsRequiringSession(t *testing.T) {
	r := newDispatchRig(t)
	anonymous := NewClient("c1")

	resp := r.dispatcher.Dispatch(context.Background(), anonymous,
		frame(t, "op-1", "performStorno", map[string]interface{}{"amount": "5"}))
	assert.Equal(t, StatusError, resp.Status)
	payload := resp.Payload.(ErrorPayload)
	assert.Equal(t, "PermissionDenied", payload.Kind)
}

func TestLoginLogoutLifecycle(t *testing.T) {
	r := newDispatchRig(t)
	client := NewClient("c1")
	ctx := context.Background()

	bad := r.dispatcher.Dispatch(ctx, client,
		frame(t, "op-1", "login", map[string]string{"username": "anna", "password": "wrong"}))
	assert.Equal(t, StatusError, bad.Status)
	assert.Nil(t, client.Session())

	r.login(t, client)
	require.NotNil(t, client.Session())

	current := r.dispatcher.Dispatch(ctx, client, frame(t, "op-2", "getCurrentUser", nil))
	assert.Equal(t, StatusSuccess, current.Status)

	out := r.dispatcher.Dispatch(ctx, client, frame(t, "op-3", "logout", nil))
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Nil(t, client.Session())
}

func TestLogClientEventAppendsOperationalLog(t *testing.T) {
	r := newDispatchRig(t)
	client := NewClient("c1")

	resp := r.dispatcher.Dispatch(context.Background(), client,
		frame(t, "op-1", "logClientEvent", map[string]interface{}{
			"eventType": "ui_crash",
			"details":   map[string]interface{}{"screen": "checkout"},
		}))
	assert.Equal(t, StatusSuccess, resp.Status)
}

type recordingBroadcaster struct {
	frames []Response
}

func (b *recordingBroadcaster) Broadcast(exclude string, resp Response) {
	b.frames = append(b.frames, resp)
}

func TestParkBroadcastsToOthers(t *testing.T) {
	r := newDispatchRig(t)
	rec := &recordingBroadcaster{}
	r.dispatcher.SetBroadcaster(rec)
	client := NewClient("c1")
	ctx := context.Background()
	r.login(t, client)

	created := r.dispatcher.Dispatch(ctx, client,
		frame(t, "op-1", "findOrCreateActiveTransaction", nil))
	require.Equal(t, StatusSuccess, created.Status)
	view := created.Payload.(*engine.TransactionView)

	parked := r.dispatcher.Dispatch(ctx, client, frame(t, "op-2", "parkTransaction", map[string]interface{}{
		"transactionId": view.Transaction.ID, "table": "5",
	}))
	require.Equal(t, StatusSuccess, parked.Status, "%v", parked.Payload)

	require.NotEmpty(t, rec.frames)
	assert.Equal(t, "parkedTransactionsChanged", rec.frames[len(rec.frames)-1].Command)
}

func TestWebsocketPingRoundTrip(t *testing.T) {
	r := newDispatchRig(t)
	server := NewWebSocketServer(r.dispatcher, 0, 0, zerolog.Nop())
	ts := httptest.NewServer(server)
	defer ts.Close()
	defer server.CloseAll()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// First frame is the initial push.
	var initial Response
	require.NoError(t, conn.ReadJSON(&initial))
	assert.Equal(t, "initialAppData", initial.Command)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		frame(t, "op-ws-1", "ping_ws", nil)))

	var reply Response
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "ping_wsResponse", reply.Command)
	assert.Equal(t, StatusSuccess, reply.Status)
}

func TestWebsocketCommandOutlivesUpgradeRequest(t *testing.T) {
	r := newDispatchRig(t)
	server := NewWebSocketServer(r.dispatcher, 0, 0, zerolog.Nop())
	ts := httptest.NewServer(server)
	defer ts.Close()
	defer server.CloseAll()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var initial Response
	require.NoError(t, conn.ReadJSON(&initial))
	require.Equal(t, "initialAppData", initial.Command)

	// The upgrade request's context is long dead by now; a command that
	// hits the database must still succeed on the connection's lifetime.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		frame(t, "op-ws-db-1", "getCategories", nil)))

	var reply Response
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, StatusSuccess, reply.Status, "%v", reply.Payload)
	assert.Equal(t, "getCategoriesResponse", reply.Command)

	categories, ok := reply.Payload.([]interface{})
	require.True(t, ok, "payload: %T", reply.Payload)
	require.Len(t, categories, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		frame(t, "op-ws-db-2", "login", map[string]string{"username": "anna", "password": "pw"})))
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, StatusSuccess, reply.Status, "%v", reply.Payload)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		frame(t, "op-ws-db-3", "findOrCreateActiveTransaction", nil)))
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, StatusSuccess, reply.Status, "%v", reply.Payload)
	assert.Equal(t, "orderUpdated", reply.Command)
}

func TestDedupEntriesExpire(t *testing.T) {
	r := newDispatchRig(t)
	r.dispatcher = NewDispatcher(r.dispatcher.services, 50*time.Millisecond, zerolog.Nop())
	client := NewClient("c1")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp := r.dispatcher.Dispatch(ctx, client, frame(t, "op-ttl", "ping_ws", nil))
		if i == 0 {
			require.Equal(t, StatusSuccess, resp.Status)
		} else {
			require.Equal(t, StatusAlreadyProcessed, resp.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)
	resp := r.dispatcher.Dispatch(ctx, client, frame(t, "op-ttl", "ping_ws", nil))
	assert.Equal(t, StatusSuccess, resp.Status, fmt.Sprintf("entry should have expired: %+v", resp))
}
