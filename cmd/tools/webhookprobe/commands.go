package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/session-gateway/internal/model/session"
	"github.com/zhouzirui/session-gateway/internal/model/webhook"
)

var (
	listenAddr    string
	listenStatus  int
	probeSession  string
	webhookURL    string
	webhookEvents []string
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Run a local receiver that prints every delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		recv := newReceiver(log.Logger, listenStatus)
		srv := &http.Server{Addr: listenAddr, Handler: recv, ReadHeaderTimeout: 5 * time.Second}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		log.Info().Str("addr", listenAddr).Int("status", listenStatus).Msg("receiver listening")

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			log.Info().Uint64("received", recv.count.Load()).Msg("receiver stopped")
			return nil
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	},
}

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Set the webhook of a session, or the global one without --session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		client := newAPIClient(baseURL, apiKey, nil)
		body := map[string]any{"url": webhookURL, "events": webhookEvents}

		var sub struct {
			webhook.Subscription
			Status webhook.Status `json:"status"`
		}
		status, err := client.do(ctx, http.MethodPut, webhookPath(probeSession), body, &sub)
		if err != nil {
			return err
		}
		if status == http.StatusNoContent {
			fmt.Fprintln(cmd.OutOrStdout(), "webhook removed")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "webhook %s -> %s [%s]\n", sub.Key, sub.URL, strings.Join(sub.Events, ", "))
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report gateway health, session state and webhook delivery status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		return runCheck(ctx, newAPIClient(baseURL, apiKey, nil), probeSession, cmd.OutOrStdout())
	},
}

func init() {
	listenCmd.Flags().StringVar(&listenAddr, "addr", ":9000", "Listen address")
	listenCmd.Flags().IntVar(&listenStatus, "status", http.StatusOK, "Status code returned to the gateway")

	configureCmd.Flags().StringVar(&probeSession, "session", "", "Session id (empty for the global webhook)")
	configureCmd.Flags().StringVar(&webhookURL, "url", "", "Receiver URL; empty removes the webhook")
	configureCmd.Flags().StringSliceVar(&webhookEvents, "events", []string{webhook.AllEvents}, "Event filter")

	checkCmd.Flags().StringVar(&probeSession, "session", "", "Session id to inspect")
}

// runCheck 依次检查网关、会话和webhook状态
func runCheck(ctx context.Context, client *apiClient, sessionID string, out io.Writer) error {
	if _, err := client.do(ctx, http.MethodGet, "/healthz", nil, nil); err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	fmt.Fprintln(out, "gateway: ok")

	if sessionID != "" {
		var snap session.Session
		if _, err := client.do(ctx, http.MethodGet, "/api/sessions/"+sessionID, nil, &snap); err != nil {
			return err
		}
		fmt.Fprintf(out, "session %s: %s (messages %d)\n", snap.ID, snap.State, snap.MessageCount)
		if snap.State != session.StateConnected {
			fmt.Fprintln(out, "warning: session is not connected, only lifecycle events will be delivered")
		}
	}

	var sub struct {
		webhook.Subscription
		Status webhook.Status `json:"status"`
	}
	code, err := client.do(ctx, http.MethodGet, webhookPath(sessionID), nil, &sub)
	if code == http.StatusNotFound {
		fmt.Fprintln(out, "webhook: not configured")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "webhook %s: %s [%s] delivered=%d failed=%d dropped=%d\n",
		sub.Key, sub.URL, strings.Join(sub.Events, ", "),
		sub.Status.Delivered, sub.Status.Failed, sub.Status.Dropped)
	if sub.Status.LastError != "" {
		fmt.Fprintf(out, "last error: %s\n", sub.Status.LastError)
	}
	return nil
}

// receiver 打印收到的webhook投递
type receiver struct {
	logger zerolog.Logger
	status int
	count  atomic.Uint64
}

func newReceiver(logger zerolog.Logger, status int) *receiver {
	if status == 0 {
		status = http.StatusOK
	}
	return &receiver{logger: logger, status: status}
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload webhook.Payload
	if err := json.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(&payload); err != nil {
		rc.logger.Warn().Err(err).Msg("undecodable delivery")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	n := rc.count.Add(1)

	rc.logger.Info().
		Uint64("n", n).
		Str("event", r.Header.Get("X-Gateway-Event")).
		Str("session", r.Header.Get("X-Gateway-Session")).
		Str("seq", r.Header.Get("X-Gateway-Seq")).
		Str("delivery", r.Header.Get("X-Gateway-Delivery")).
		Msg("delivery received")
	if rc.logger.GetLevel() <= zerolog.DebugLevel {
		data, _ := json.MarshalIndent(payload.Data, "", "  ")
		rc.logger.Debug().RawJSON("data", data).Msg("payload")
	}

	w.WriteHeader(rc.status)
}
