package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openkasse/kassad/internal/auth"
	"github.com/openkasse/kassad/internal/core/engine"
	"github.com/openkasse/kassad/internal/core/storno"
	"github.com/openkasse/kassad/internal/search"
	"github.com/openkasse/kassad/internal/storage/relationaldb"
	"github.com/openkasse/kassad/internal/types"
)

func (d *Dispatcher) buildRegistry() map[string]Handler {
	return map[string]Handler{
		"ping_ws":        d.handlePing,
		"logClientEvent": d.handleLogClientEvent,

		"login":           d.handleLogin,
		"logout":          d.handleLogout,
		"getCurrentUser":  d.handleGetCurrentUser,
		"getLoginUsers":   d.handleGetLoginUsers,
		"checkPermission": d.handleCheckPermission,
		"canPerformAction": d.handleCanPerformAction,
		"changePassword":  d.handleChangePassword,

		"getCategories":      d.handleGetCategories,
		"getItemsByCategory": d.handleGetItemsByCategory,
		"searchProducts":     d.handleSearchProducts,
		"importFromOopMdf":   d.handleImport,

		"listLayouts":     d.handleListLayouts,
		"saveLayout":      d.handleSaveLayout,
		"activateLayout":  d.handleActivateLayout,
		"getActiveLayout": d.handleGetActiveLayout,

		"findOrCreateActiveTransaction": d.handleFindOrCreate,
		"addItemToTransaction":          d.handleAddItem,
		"addCustomPriceItem":            d.handleAddCustomPriceItem,
		"updateItemQuantity":            d.handleUpdateItemQuantity,
		"updateItemPrice":               d.handleUpdateItemPrice,
		"finishTransaction":             d.handleFinish,
		"reprintReceipt":                d.handleReprint,
		"parkTransaction":               d.handlePark,
		"activateTransaction":           d.handleActivate,
		"getParkedTransactions":         d.handleGetParked,
		"updateTransactionMetadata":     d.handleUpdateMetadata,
		"checkTableAvailability":        d.handleCheckTable,
		"resolvePendingTransaction":     d.handleResolvePending,
		"getPendingTransactions":        d.handleGetPending,
		"getRecentReceipts":             d.handleGetRecentReceipts,

		"performStorno":       d.handlePerformStorno,
		"approveStorno":       d.handleApproveStorno,
		"rejectStorno":        d.handleRejectStorno,
		"getPendingStornos":   d.handleGetPendingStornos,
		"getPendingChanges":   d.handleGetPendingChanges,
		"approveChange":       d.handleApproveChange,
		"rejectChange":        d.handleRejectChange,
		"batchProcessChanges": d.handleBatchProcess,
		"getManagerDashboard": d.handleGetDashboard,
	}
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return types.WrapError(types.KindValidation, "malformed payload", err)
	}
	return nil
}

func requireSession(client *Client) (*auth.Session, error) {
	if s := client.Session(); s != nil {
		return s, nil
	}
	return nil, types.PermissionDenied("not logged in")
}

// --- connection utilities ---

func (d *Dispatcher) handlePing(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"pong":       true,
		"serverTime": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (d *Dispatcher) handleLogClientEvent(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		EventType string                 `json:"eventType"`
		Details   map[string]interface{} `json:"details"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.EventType == "" {
		p.EventType = "client_event"
	}
	if p.Details == nil {
		p.Details = map[string]interface{}{}
	}
	p.Details["client_id"] = client.ID

	err := d.services.Repos.OperationalLog().Append(ctx, &relationaldb.OperationalLogEntry{
		EventType: "client_" + p.EventType,
		UserID:    client.UserID(),
		Payload:   p.Details,
	})
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to record client event", err)
	}
	return map[string]bool{"logged": true}, nil
}

// --- auth ---

func (d *Dispatcher) handleLogin(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	session, err := d.services.Auth.Login(ctx, p.Username, p.Password)
	if err != nil {
		return nil, err
	}
	client.setSession(session)
	return session, nil
}

func (d *Dispatcher) handleLogout(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	if s := client.Session(); s != nil {
		d.services.Auth.Logout(s.ID)
		client.setSession(nil)
	}
	return map[string]bool{"loggedOut": true}, nil
}

func (d *Dispatcher) handleGetCurrentUser(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	session, err := requireSession(client)
	if err != nil {
		return nil, err
	}
	return d.services.Auth.GetCurrentUser(session.ID)
}

func (d *Dispatcher) handleGetLoginUsers(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	return d.services.Auth.GetLoginUsers(ctx)
}

func (d *Dispatcher) handleCheckPermission(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		UserID     int64  `json:"userId"`
		Permission string `json:"permission"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.UserID == 0 {
		p.UserID = client.UserID()
	}
	ok, err := d.services.Auth.CheckPermission(ctx, p.UserID, p.Permission)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"allowed": ok}, nil
}

func (d *Dispatcher) handleCanPerformAction(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		Permission string `json:"permission"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	session := client.Session()
	allowed := session != nil && d.services.Auth.CanPerformAction(session.ID, p.Permission)
	return map[string]bool{"allowed": allowed}, nil
}

func (d *Dispatcher) handleChangePassword(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	session, err := requireSession(client)
	if err != nil {
		return nil, err
	}
	var p struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := d.services.Auth.ChangePassword(ctx, session.UserID, p.CurrentPassword, p.NewPassword); err != nil {
		return nil, err
	}
	return map[string]bool{"changed": true}, nil
}

// --- catalog ---

func (d *Dispatcher) handleGetCategories(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	categories, err := d.services.Repos.Catalog().GetCategories(ctx)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to load categories", err)
	}
	return categories, nil
}

func (d *Dispatcher) handleGetItemsByCategory(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		CategoryID int64 `json:"categoryId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	items, err := d.services.Repos.Catalog().GetItemsByCategory(ctx, p.CategoryID)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to load items", err)
	}
	return items, nil
}

func (d *Dispatcher) handleSearchProducts(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		Query   string         `json:"query"`
		Options search.Options `json:"options"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.services.Search.SearchProducts(ctx, p.Query, p.Options)
}

func (d *Dispatcher) handleImport(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	session, err := requireSession(client)
	if err != nil {
		return nil, err
	}
	if !d.services.Auth.CanPerformAction(session.ID, "catalog_import") {
		return nil, types.PermissionDenied("catalog import requires the catalog_import permission")
	}
	var p struct {
		Document json.RawMessage `json:"document"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.services.Importer.ImportFromOopMdf(ctx, p.Document)
}

// --- layouts ---

func (d *Dispatcher) handleListLayouts(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	return d.services.Engine.ListLayouts(ctx)
}

func (d *Dispatcher) handleSaveLayout(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		Name       string                   `json:"name"`
		SourceType string                   `json:"sourceType"`
		Categories []map[string]interface{} `json:"categories"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.services.Engine.SaveLayout(ctx, p.Name, p.SourceType, p.Categories)
}

func (d *Dispatcher) handleActivateLayout(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		LayoutID int64 `json:"layoutId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.services.Engine.ActivateLayout(ctx, p.LayoutID)
}

func (d *Dispatcher) handleGetActiveLayout(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	return d.services.Engine.GetActiveLayout(ctx)
}

// --- transactions ---

func (d *Dispatcher) handleFindOrCreate(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		TransactionID int64             `json:"transactionId"`
		Metadata      map[string]string `json:"metadata"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.services.Engine.FindOrCreateActiveTransaction(ctx, engine.CreateCriteria{
		TransactionID: p.TransactionID,
		Metadata:      p.Metadata,
	}, client.UserID())
}

func (d *Dispatcher) handleAddItem(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		TransactionID int64           `json:"transactionId"`
		ItemID        int64           `json:"itemId"`
		Quantity      decimal.Decimal `json:"quantity"`
		Notes         string          `json:"notes"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Quantity.IsZero() {
		p.Quantity = decimal.NewFromInt(1)
	}
	return d.services.Engine.AddItemToTransaction(ctx, p.TransactionID, p.ItemID, p.Quantity, client.UserID(), p.Notes)
}

func (d *Dispatcher) handleAddCustomPriceItem(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		TransactionID int64           `json:"transactionId"`
		ItemID        int64           `json:"itemId"`
		Quantity      decimal.Decimal `json:"quantity"`
		UnitPrice     decimal.Decimal `json:"unitPrice"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Quantity.IsZero() {
		p.Quantity = decimal.NewFromInt(1)
	}
	return d.services.Engine.AddCustomPriceItem(ctx, p.TransactionID, p.ItemID, p.Quantity, p.UnitPrice, client.UserID())
}

func (d *Dispatcher) handleUpdateItemQuantity(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		TransactionID int64           `json:"transactionId"`
		LineID        int64           `json:"lineId"`
		Quantity      decimal.Decimal `json:"quantity"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.services.Engine.UpdateItemQuantity(ctx, p.TransactionID, p.LineID, p.Quantity, client.UserID())
}

func (d *Dispatcher) handleUpdateItemPrice(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		TransactionID int64           `json:"transactionId"`
		LineID        int64           `json:"lineId"`
		Price         decimal.Decimal `json:"price"`
		IsTotalPrice  bool            `json:"isTotalPrice"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.services.Engine.UpdateItemPrice(ctx, p.TransactionID, p.LineID, p.Price, p.IsTotalPrice, client.UserID())
}

func (d *Dispatcher) handleFinish(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		TransactionID int64           `json:"transactionId"`
		PaymentType   string          `json:"paymentType"`
		PaymentAmount decimal.Decimal `json:"paymentAmount"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	result, err := d.services.Engine.FinishTransaction(ctx, p.TransactionID, engine.PaymentData{
		Type:   p.PaymentType,
		Amount: p.PaymentAmount,
	}, client.UserID())
	if err != nil {
		return nil, err
	}
	d.broadcast(client.ID, "parkedTransactionsChanged", nil)
	return result, nil
}

func (d *Dispatcher) handleReprint(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		TransactionUUID string `json:"transactionUuid"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.services.Engine.ReprintReceipt(ctx, p.TransactionUUID, client.UserID())
}

func (d *Dispatcher) handlePark(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		TransactionID   int64  `json:"transactionId"`
		Table           string `json:"table"`
		UpdateTimestamp bool   `json:"updateTimestamp"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	view, err := d.services.Engine.ParkTransaction(ctx, p.TransactionID, p.Table, client.UserID(), p.UpdateTimestamp)
	if err != nil {
		return nil, err
	}
	d.broadcast(client.ID, "parkedTransactionsChanged", view)
	return view, nil
}

func (d *Dispatcher) handleActivate(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		TransactionID int64 `json:"transactionId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	view, err := d.services.Engine.ActivateTransaction(ctx, p.TransactionID, client.UserID())
	if err != nil {
		return nil, err
	}
	d.broadcast(client.ID, "parkedTransactionsChanged", view)
	return view, nil
}

func (d *Dispatcher) handleGetParked(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	return d.services.Engine.GetParkedTransactions(ctx)
}

func (d *Dispatcher) handleUpdateMetadata(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		TransactionID   int64             `json:"transactionId"`
		Metadata        map[string]string `json:"metadata"`
		UpdateTimestamp bool              `json:"updateTimestamp"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.services.Engine.UpdateTransactionMetadata(ctx, p.TransactionID, p.Metadata, client.UserID(), p.UpdateTimestamp)
}

func (d *Dispatcher) handleCheckTable(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		Table     string `json:"table"`
		ExcludeID int64  `json:"excludeTransactionId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	inUse, err := d.services.Engine.CheckTableNumberInUse(ctx, p.Table, p.ExcludeID)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"inUse": inUse}, nil
}

func (d *Dispatcher) handleResolvePending(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		TransactionID int64  `json:"transactionId"`
		Resolution    string `json:"resolution"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	view, err := d.services.Engine.ResolvePendingTransaction(ctx, p.TransactionID, p.Resolution, client.UserID())
	if err != nil {
		return nil, err
	}
	d.broadcast(client.ID, "recoveryPendingChanged", view)
	return view, nil
}

func (d *Dispatcher) handleGetPending(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	return d.services.Engine.GetPendingTransactions(ctx)
}

func (d *Dispatcher) handleGetRecentReceipts(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.services.Engine.GetRecentReceipts(ctx, p.Limit)
}

// --- storno and approvals ---

func (d *Dispatcher) handlePerformStorno(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	session, err := requireSession(client)
	if err != nil {
		return nil, err
	}
	var p struct {
		OriginalTransactionID int64           `json:"originalTransactionId"`
		Amount                decimal.Decimal `json:"amount"`
		Reason                string          `json:"reason"`
		IsEmergency           bool            `json:"isEmergency"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.services.Storno.PerformStorno(ctx, session.UserID, p.OriginalTransactionID, p.Amount, p.Reason, p.IsEmergency)
}

func (d *Dispatcher) handleApproveStorno(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	session, err := requireSession(client)
	if err != nil {
		return nil, err
	}
	var p struct {
		StornoID int64  `json:"stornoId"`
		Notes    string `json:"notes"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.services.Storno.ApproveStorno(ctx, session.UserID, p.StornoID, p.Notes)
}

func (d *Dispatcher) handleRejectStorno(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	session, err := requireSession(client)
	if err != nil {
		return nil, err
	}
	var p struct {
		StornoID int64  `json:"stornoId"`
		Notes    string `json:"notes"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.services.Storno.RejectStorno(ctx, session.UserID, p.StornoID, p.Notes)
}

func (d *Dispatcher) handleGetPendingStornos(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	return d.services.Storno.GetPendingStornos(ctx)
}

func (d *Dispatcher) handleGetPendingChanges(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	return d.services.Storno.GetPendingChanges(ctx)
}

func (d *Dispatcher) handleApproveChange(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	session, err := requireSession(client)
	if err != nil {
		return nil, err
	}
	var p struct {
		ChangeID int64  `json:"changeId"`
		Notes    string `json:"notes"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.services.Storno.ApproveChange(ctx, session.UserID, p.ChangeID, p.Notes)
}

func (d *Dispatcher) handleRejectChange(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	session, err := requireSession(client)
	if err != nil {
		return nil, err
	}
	var p struct {
		ChangeID int64  `json:"changeId"`
		Notes    string `json:"notes"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.services.Storno.RejectChange(ctx, session.UserID, p.ChangeID, p.Notes)
}

func (d *Dispatcher) handleBatchProcess(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	session, err := requireSession(client)
	if err != nil {
		return nil, err
	}
	var p struct {
		Decisions []storno.BatchDecision `json:"decisions"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.services.Storno.BatchProcessChanges(ctx, session.UserID, p.Decisions), nil
}

func (d *Dispatcher) handleGetDashboard(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	return d.services.Storno.GetManagerDashboard(ctx)
}
