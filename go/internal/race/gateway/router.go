package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/studiobloom/bench2bench/go/internal/race/events"
	"github.com/studiobloom/bench2bench/go/internal/race/session"
)

// Coordinator is the session state machine the router drives
type Coordinator interface {
	Join(ctx context.Context, connID, roomID string) error
	Complete(ctx context.Context, connID, roomID string, result session.Result) error
	Ready(ctx context.Context, connID, roomID string) error
	Signal(ctx context.Context, connID, target string, signal json.RawMessage) error
	RelayMetrics(ctx context.Context, connID, roomID string, metrics json.RawMessage) error
	Disconnect(ctx context.Context, connID string) error
}

// Router decodes inbound frames and applies them to the coordinator. It
// implements MessageHandler.
type Router struct {
	coordinator Coordinator
}

// NewRouter creates a router for coordinator
func NewRouter(coordinator Coordinator) *Router {
	return &Router{coordinator: coordinator}
}

// HandleMessage processes one inbound frame. Failures are logged and never
// reach the client; only roomFull is surfaced, by the coordinator itself.
func (r *Router) HandleMessage(conn *Connection, message []byte) {
	r.handle(conn.ID, message)
}

// HandleDisconnect removes a closed connection from its room
func (r *Router) HandleDisconnect(conn *Connection) {
	defer r.recoverPanic(conn.ID, "disconnect")
	if err := r.coordinator.Disconnect(context.Background(), conn.ID); err != nil {
		log.Error().Err(err).Str("conn_id", conn.ID).Msg("failed to clean up connection")
	}
}

func (r *Router) handle(connID string, message []byte) {
	env, err := ParseEnvelope(message)
	if err != nil {
		logOutcome(connID, "", err)
		return
	}

	defer r.recoverPanic(connID, env.Type)
	err = r.dispatch(context.Background(), connID, env)
	logOutcome(connID, env.Type, err)
}

func (r *Router) dispatch(ctx context.Context, connID string, env events.Envelope) error {
	switch env.Type {
	case events.TypeJoinRoom:
		roomID, err := decodeRoomID(env.Data)
		if err != nil {
			return err
		}
		return r.coordinator.Join(ctx, connID, roomID)

	case events.TypeRaceComplete:
		var payload events.RaceCompletePayload
		if err := decodePayload(env.Data, &payload); err != nil {
			return err
		}
		return r.coordinator.Complete(ctx, connID, payload.RoomID, session.Result{
			FPS:      payload.FPS,
			RaceTime: payload.RaceTime,
		})

	case events.TypeReadyForNextRace:
		roomID, err := decodeRoomID(env.Data)
		if err != nil {
			return err
		}
		return r.coordinator.Ready(ctx, connID, roomID)

	case events.TypeSignal:
		var payload events.SignalRequestPayload
		if err := decodePayload(env.Data, &payload); err != nil {
			return err
		}
		return r.coordinator.Signal(ctx, connID, payload.Target, payload.Signal)

	case events.TypeMetricUpdate:
		var payload events.MetricUpdatePayload
		if err := decodePayload(env.Data, &payload); err != nil {
			return err
		}
		return r.coordinator.RelayMetrics(ctx, connID, payload.RoomID, payload.Metrics)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

// recoverPanic turns a panic in a handler into a logged internal fault so a
// single bad message cannot take down the process or the connection.
func (r *Router) recoverPanic(connID string, eventType events.Type) {
	if rec := recover(); rec != nil {
		log.Error().
			Str("conn_id", connID).
			Str("event_type", string(eventType)).
			Interface("panic", rec).
			Bytes("stack", debug.Stack()).
			Msg("internal fault while handling message")
	}
}

func logOutcome(connID string, eventType events.Type, err error) {
	var evt *zerolog.Event
	switch {
	case err == nil:
		evt = log.Debug()
	case errors.Is(err, session.ErrRoomFull):
		evt = log.Info().Err(err)
	case session.IsStale(err):
		evt = log.Debug().Err(err)
	case errors.Is(err, ErrMalformedMessage),
		errors.Is(err, ErrUnknownMessageType),
		errors.Is(err, session.ErrInvalidRoomID):
		evt = log.Warn().Err(err)
	default:
		evt = log.Error().Err(err)
	}

	msg := "message handled"
	if err != nil {
		msg = "message dropped"
	}
	evt.Str("conn_id", connID).Str("event_type", string(eventType)).Msg(msg)
}
