package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/sessionrelay/core/internal/admission"
	"github.com/sessionrelay/core/internal/connstate"
	"github.com/sessionrelay/core/internal/router"
	"github.com/sessionrelay/core/internal/srp"
	"github.com/sessionrelay/core/internal/subscribe"
	"github.com/sessionrelay/core/internal/tunnel"
	"github.com/sessionrelay/core/internal/upload"
	"github.com/sessionrelay/core/pkg/wsconn"
)

// Collaborators bundles every external dependency a connection needs,
// mirroring spec §6's "Collaborators consumed by the core" list.
type Collaborators struct {
	APIBase           string
	App               http.Handler
	SessionSupervisor subscribe.SessionSupervisor
	ActivityBus       subscribe.ActivityBus
	SessionWatch      subscribe.SessionWatch
	Staging           upload.Staging
	Credentials       admission.CredentialStore
	Store             admission.StoredSessionStore // nil disables resume
}

// Listener accepts inbound WebSocket upgrades and brokered relay sockets,
// running the admission handshake and then the application router for
// each one (spec §6: "acceptConnection(socket, ...)", "attachToUpgrade(context)").
type Listener struct {
	origin        *admission.OriginPolicy
	group         *srp.Group
	idBuckets     *connstate.IdentityBuckets
	collaborators Collaborators
	logger        *slog.Logger
}

// NewListener creates a Listener. group is normally srp.Group2048.
func NewListener(origin *admission.OriginPolicy, group *srp.Group, idBuckets *connstate.IdentityBuckets, collaborators Collaborators, logger *slog.Logger) *Listener {
	return &Listener{origin: origin, group: group, idBuckets: idBuckets, collaborators: collaborators, logger: logger}
}

// AttachToUpgrade is the net/http handler for a direct WebSocket upgrade
// (spec §6). Register it at the relay endpoint path.
func (l *Listener) AttachToUpgrade(w http.ResponseWriter, r *http.Request) {
	if !l.origin.Allowed(r.Header.Get("Origin")) {
		l.logger.Warn("rejecting upgrade: forbidden origin", slog.String("origin", r.Header.Get("Origin")))
		http.Error(w, "forbidden origin", http.StatusForbidden)

		return
	}

	socket, err := wsconn.Accept(w, r, wsconn.AcceptOptions{})
	if err != nil {
		l.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	l.AcceptConnection(context.Background(), socket, admission.ModeSRPRequired)
}

// AcceptConnection drives one already-established socket (direct or
// brokered via a relay) through admission and then the application router
// until the socket closes. mode selects trusted-local vs SRP-required
// admission (spec §4.I).
func (l *Listener) AcceptConnection(ctx context.Context, socket Socket, mode admission.Mode) {
	connID := uuid.NewString()
	conn := connstate.New(connID, mode == admission.ModeSRPRequired)

	admission.Admit(conn, mode)

	sender := &socketSender{socket: socket, conn: conn}

	admissionHandler := admission.NewHandler(conn, l.group, l.collaborators.Credentials, l.idBuckets, sender, sender.closeFn, l.logger)
	if l.collaborators.Store != nil {
		admissionHandler = admissionHandler.WithStore(l.collaborators.Store)
	}

	tunnelSrv := tunnel.NewServer(l.collaborators.APIBase, l.collaborators.App, sender, l.logger)
	subsSrv := subscribe.NewServer(l.collaborators.SessionSupervisor, l.collaborators.ActivityBus, l.collaborators.SessionWatch, sender, l.logger)
	uploadSrv := upload.NewServer(l.collaborators.Staging, sender, l.logger)
	appHandler := NewConn(conn, tunnelSrv, subsSrv, uploadSrv, sender, l.logger)

	rtr := router.New(conn, admissionHandler, appHandler, l.logger)

	l.readLoop(ctx, connID, socket, rtr)

	appHandler.CloseSubscriptions()
	appHandler.CancelAllUploads(context.Background())
}

// readLoop processes frames sequentially (spec §5: "the next frame begins
// only after the previous frame's dispatcher returns"), one socket per
// goroutine, no per-connection locking needed on the connection record.
func (l *Listener) readLoop(ctx context.Context, connID string, socket Socket, rtr *router.Router) {
	for {
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				l.logger.Info("connection closed", slog.String("connId", connID), slog.String("error", err.Error()))
			}

			return
		}

		var dispatchErr error

		switch msgType {
		case wsconn.MessageText:
			dispatchErr = rtr.DispatchText(data)
		case wsconn.MessageBinary:
			dispatchErr = rtr.DispatchBinary(data)
		}

		if dispatchErr == nil {
			continue
		}

		var closeErr *router.CloseError
		if errors.As(dispatchErr, &closeErr) {
			l.logger.Warn("closing connection", slog.String("connId", connID), slog.Int("code", int(closeErr.Code)), slog.String("reason", closeErr.Reason))
			_ = socket.Close(wsconn.StatusCode(closeErr.Code), closeErr.Reason)

			return
		}

		l.logger.Warn("dispatch error", slog.String("connId", connID), slog.String("error", dispatchErr.Error()))
	}
}
