package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/MrWong99/switchboard/internal/channel"
	"github.com/MrWong99/switchboard/internal/channel/slack"
	"github.com/MrWong99/switchboard/internal/channel/web"
	"github.com/MrWong99/switchboard/internal/observe"
)

// maxBody caps webhook payloads.
const maxBody = 1 << 20

// readBody reads the request body up to maxBody.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBody {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBody)
	}
	return body, nil
}

// integration looks up the integration named in the path and checks that
// it belongs to one of platforms.
func (a *App) integration(r *http.Request, platforms ...channel.Platform) (*channel.Integration, error) {
	id := r.PathValue("integration")
	in, ok := a.integrations.ByID(id)
	if !ok || !slices.Contains(platforms, in.Platform) {
		return nil, &channel.UnknownIntegrationError{Platform: platforms[0], Identifier: id}
	}
	return in, nil
}

// dispatch hands parsed messages to the state machine in the background.
// Platforms redeliver webhooks that are not acknowledged quickly, so the
// response does not wait for the workflow.
func (a *App) dispatch(ctx context.Context, msgs ...channel.Channel) {
	ctx = context.WithoutCancel(ctx)
	for _, ch := range msgs {
		a.pending.Add(1)
		go func() {
			defer a.pending.Done()
			if err := a.dialog.Handle(ctx, ch); err != nil {
				observe.ReportError(ctx, "dialog", err, "integration", ch.Integration().ID)
			}
		}()
	}
}

// rejectInbound logs a dropped webhook and answers with status.
func rejectInbound(ctx context.Context, w http.ResponseWriter, err error, status int) {
	var malformed *channel.MalformedInputError
	if errors.As(err, &malformed) {
		observe.Logger(ctx).Warn("app: dropping malformed webhook", "err", err)
	} else {
		observe.Logger(ctx).Info("app: rejecting webhook", "err", err)
	}
	http.Error(w, http.StatusText(status), status)
}

// ── Meta ─────────────────────────────────────────────────────────────────────

// handleVerify answers the Graph API subscription handshake.
func (a *App) handleVerify(platforms ...channel.Platform) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := a.integration(r, platforms...)
		if err != nil {
			rejectInbound(r.Context(), w, err, http.StatusNotFound)
			return
		}
		if !channel.VerifySubscription(w, r, in.VerifyToken) {
			observe.Logger(r.Context()).Warn("app: subscription verification failed", "integration", in.ID)
		}
	}
}

// graphBody reads a Graph API webhook and verifies its signature when an
// app secret is configured.
func (a *App) graphBody(r *http.Request) ([]byte, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	if secret := a.cfg.Meta.AppSecret; secret != "" {
		if !channel.ValidGraphSignature(body, r.Header.Get("X-Hub-Signature-256"), secret) {
			return nil, errors.New("invalid X-Hub-Signature-256")
		}
	}
	return body, nil
}

func (a *App) handleWhatsApp(w http.ResponseWriter, r *http.Request) {
	a.handleGraph(w, r, func(ctx context.Context, in *channel.Integration, body []byte) ([]channel.Channel, error) {
		return a.whatsapp.Parse(ctx, in, body)
	}, channel.PlatformWhatsApp)
}

func (a *App) handleMeta(w http.ResponseWriter, r *http.Request) {
	a.handleGraph(w, r, func(ctx context.Context, in *channel.Integration, body []byte) ([]channel.Channel, error) {
		return a.meta.Parse(ctx, in, body)
	}, channel.PlatformFacebook, channel.PlatformInstagram)
}

type parseFunc func(ctx context.Context, in *channel.Integration, body []byte) ([]channel.Channel, error)

func (a *App) handleGraph(w http.ResponseWriter, r *http.Request, parse parseFunc, platforms ...channel.Platform) {
	ctx := r.Context()
	in, err := a.integration(r, platforms...)
	if err != nil {
		rejectInbound(ctx, w, err, http.StatusNotFound)
		return
	}
	body, err := a.graphBody(r)
	if err != nil {
		rejectInbound(ctx, w, err, http.StatusUnauthorized)
		return
	}
	msgs, err := parse(ctx, in, body)
	if err != nil {
		// Acknowledge anyway; a redelivered malformed payload stays malformed.
		rejectInbound(ctx, w, err, http.StatusOK)
		return
	}
	a.dispatch(ctx, msgs...)
	w.WriteHeader(http.StatusOK)
}

// ── Slack ────────────────────────────────────────────────────────────────────

func (a *App) handleSlack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	in, err := a.integration(r, channel.PlatformSlack)
	if err != nil {
		rejectInbound(ctx, w, err, http.StatusNotFound)
		return
	}
	body, err := readBody(r)
	if err != nil {
		rejectInbound(ctx, w, err, http.StatusBadRequest)
		return
	}
	if in.SigningSecret != "" {
		if err := slack.Verify(r.Header, body, in.SigningSecret); err != nil {
			rejectInbound(ctx, w, err, http.StatusUnauthorized)
			return
		}
	}
	if challenge, ok := slack.Challenge(body); ok {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, challenge)
		return
	}
	// Slack retries events it considers undelivered; the state machine
	// already drops duplicates by message id.
	msgs, err := a.slack.Parse(ctx, in, body)
	if err != nil {
		rejectInbound(ctx, w, err, http.StatusOK)
		return
	}
	a.dispatch(ctx, msgs...)
	w.WriteHeader(http.StatusOK)
}

// ── Web ──────────────────────────────────────────────────────────────────────

// handleWeb runs one chat turn synchronously and answers with the replies,
// streamed as server-sent events when the integration enables streaming.
func (a *App) handleWeb(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	in, err := a.integration(r, channel.PlatformWeb)
	if err != nil {
		rejectInbound(ctx, w, err, http.StatusNotFound)
		return
	}
	if in.AccessToken != "" && !validBearer(r, in.AccessToken) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="switchboard"`)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	body, err := readBody(r)
	if err != nil {
		rejectInbound(ctx, w, err, http.StatusBadRequest)
		return
	}
	sess, err := web.Parse(ctx, in, body)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprintf(w, "{\"error\":%q}\n", err.Error())
		return
	}
	if err := sess.Start(w); err != nil {
		observe.ReportError(ctx, "web", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	// The state machine answers failures with an apology reply, so the
	// request itself still succeeds.
	if err := a.dialog.Handle(ctx, sess); err != nil {
		observe.ReportError(ctx, "dialog", err, "integration", in.ID)
	}
	if err := sess.Finish(w, nil); err != nil {
		observe.Logger(ctx).Debug("app: web response not delivered", "err", err)
	}
}

// validBearer compares the request's bearer token with token in constant
// time.
func validBearer(r *http.Request, token string) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}
