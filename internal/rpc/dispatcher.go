// Package rpc implements the duplex command channel: framed requests over a
// websocket, process-wide operation-ID deduplication, and broadcast of
// shared-state changes to other connected clients.
package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/openkasse/kassad/internal/auth"
	"github.com/openkasse/kassad/internal/core/engine"
	"github.com/openkasse/kassad/internal/core/storno"
	"github.com/openkasse/kassad/internal/importer"
	"github.com/openkasse/kassad/internal/search"
	"github.com/openkasse/kassad/internal/storage/relationaldb"
	"github.com/openkasse/kassad/internal/types"
)

const (
	DefaultOperationTTL = 60 * time.Second
	dedupSetSize        = 4096
)

// Handler executes one command for one client.
type Handler func(ctx context.Context, client *Client, payload json.RawMessage) (interface{}, error)

// Broadcaster pushes a response to every connection except one. The
// websocket server implements it; tests stub it.
type Broadcaster interface {
	Broadcast(excludeClientID string, resp Response)
}

// Services bundles everything the command handlers call into.
type Services struct {
	Auth     *auth.Service
	Engine   *engine.Engine
	Storno   *storno.Service
	Search   *search.Service
	Importer *importer.Service
	Repos    relationaldb.RepositoryManager
}

// Dispatcher routes framed commands to handlers with at-most-once semantics
// per operation ID.
type Dispatcher struct {
	services    Services
	handlers    map[string]Handler
	renames     map[string]string
	seen        *expirable.LRU[string, struct{}]
	broadcaster Broadcaster
	log         zerolog.Logger
}

func NewDispatcher(services Services, operationTTL time.Duration, logger zerolog.Logger) *Dispatcher {
	if operationTTL <= 0 {
		operationTTL = DefaultOperationTTL
	}
	d := &Dispatcher{
		services: services,
		seen:     expirable.NewLRU[string, struct{}](dedupSetSize, nil, operationTTL),
		renames: map[string]string{
			"findOrCreateActiveTransaction": "orderUpdated",
			"addItemToTransaction":          "orderUpdated",
			"addCustomPriceItem":            "orderUpdated",
			"updateItemQuantity":            "orderUpdated",
			"updateItemPrice":               "orderUpdated",
			"activateTransaction":           "orderUpdated",
			"finishTransaction":             "transactionFinished",
			"reprintReceipt":                "reprintResult",
			"checkTableAvailability":        "checkTableAvailabilityResponse",
		},
		log: logger.With().Str("component", "dispatcher").Logger(),
	}
	d.handlers = d.buildRegistry()
	return d
}

// SetBroadcaster wires the push channel. Nil disables broadcasts.
func (d *Dispatcher) SetBroadcaster(b Broadcaster) { d.broadcaster = b }

// Commands returns the registered command names.
func (d *Dispatcher) Commands() []string {
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	return out
}

// Dispatch processes one raw frame and returns the reply frame. Duplicate
// operation IDs within the TTL short-circuit without side effects; the
// dedup set is process-wide, so a duplicate on another connection also
// short-circuits.
func (d *Dispatcher) Dispatch(ctx context.Context, client *Client, raw []byte) Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return newResponse("", "errorResponse", StatusError, ErrorPayload{
			Kind:    string(types.KindValidation),
			Message: "malformed frame",
		})
	}
	return d.DispatchRequest(ctx, client, req)
}

// DispatchRequest is Dispatch after frame decoding.
func (d *Dispatcher) DispatchRequest(ctx context.Context, client *Client, req Request) Response {
	replyCommand := d.replyCommand(req.Command)

	if req.OperationID == "" {
		return newResponse("", replyCommand, StatusError, ErrorPayload{
			Kind:    string(types.KindValidation),
			Message: "operationId is required",
		})
	}

	// Mark before executing so a concurrent duplicate cannot run twice.
	if _, dup := d.seen.Get(req.OperationID); dup {
		d.log.Debug().Str("operation_id", req.OperationID).Str("command", req.Command).
			Msg("Duplicate operation short-circuited")
		return newResponse(req.OperationID, replyCommand, StatusAlreadyProcessed, nil)
	}
	d.seen.Add(req.OperationID, struct{}{})

	handler, ok := d.handlers[req.Command]
	if !ok {
		return newResponse(req.OperationID, replyCommand, StatusError, ErrorPayload{
			Kind:    string(types.KindNotFound),
			Message: "unknown command: " + req.Command,
		})
	}

	payload, err := handler(ctx, client, req.Payload)
	if err != nil {
		d.log.Warn().Err(err).Str("command", req.Command).Str("client", client.ID).
			Msg("Command failed")
		return newResponse(req.OperationID, replyCommand, StatusError, ErrorPayload{
			Kind:    string(types.KindOf(err)),
			Message: err.Error(),
		})
	}
	return newResponse(req.OperationID, replyCommand, StatusSuccess, payload)
}

func (d *Dispatcher) replyCommand(command string) string {
	if renamed, ok := d.renames[command]; ok {
		return renamed
	}
	if command == "" {
		return "errorResponse"
	}
	return command + "Response"
}

// broadcast pushes an unsolicited message to every other client.
func (d *Dispatcher) broadcast(exceptClientID, command string, payload interface{}) {
	if d.broadcaster == nil {
		return
	}
	d.broadcaster.Broadcast(exceptClientID, newResponse("", command, StatusSuccess, payload))
}

// InitialPush is the message sent to a client right after connect: the
// recovery-pending set when transactions await resolution, otherwise the
// initial application data.
func (d *Dispatcher) InitialPush(ctx context.Context) Response {
	pending, err := d.services.Engine.GetPendingTransactions(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("Failed to load recovery-pending transactions for initial push")
	} else if len(pending) > 0 {
		return newResponse("", "recoveryPendingTransactions", StatusSuccess, pending)
	}

	payload := map[string]interface{}{}
	if categories, err := d.services.Repos.Catalog().GetCategories(ctx); err == nil {
		payload["categories"] = categories
	}
	if layout, err := d.services.Engine.GetActiveLayout(ctx); err == nil {
		payload["activeLayout"] = layout
	}
	return newResponse("", "initialAppData", StatusSuccess, payload)
}
