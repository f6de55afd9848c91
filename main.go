package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"

	"github.com/gosuda/roomchat/chat"
	"github.com/gosuda/roomchat/store"
)

var rootCmd = &cobra.Command{
	Use:   "roomchat",
	Short: "Multi-room presence chat with persistent history",
	RunE:  runServer,
}

var (
	flagServerURLs []string
	flagPort       int
	flagName       string
	flagDataPath   string
	flagCredKey    string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringSliceVar(&flagServerURLs, "server-url", strings.Split(os.Getenv("RELAY"), ","), "relayserver base URL(s); repeat or comma-separated (from env RELAY if set)")
	flags.IntVar(&flagPort, "port", 8090, "local HTTP port (negative to disable)")
	flags.StringVar(&flagName, "name", "roomchat", "backend display name")
	flags.StringVar(&flagDataPath, "data-path", "data", "directory for the persistent message store")
	flags.StringVar(&flagCredKey, "cred-key", "", "optional credential key to use for the listener (base64 encoded)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute roomchat command")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	servers := make([]string, 0, len(flagServerURLs))
	for _, raw := range flagServerURLs {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			servers = append(servers, trimmed)
		}
	}

	st, err := store.Open(flagDataPath)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}

	hub := chat.NewHub(st)
	srv := NewServer(flagName, hub, st)
	mux := srv.Router()

	var (
		ln     net.Listener
		client *sdk.RDClient
	)
	if len(servers) > 0 {
		cred := sdk.NewCredential()
		if flagCredKey != "" {
			key, err := base64.StdEncoding.DecodeString(flagCredKey)
			if err != nil {
				return fmt.Errorf("decode cred key: %w", err)
			}
			cred2, err := cryptoops.NewCredentialFromPrivateKey(key)
			if err != nil {
				return fmt.Errorf("new credential from private key: %w", err)
			}
			cred = cred2
		}
		client, err = sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = servers })
		if err != nil {
			return fmt.Errorf("new relay client: %w", err)
		}
		ln, err = client.Listen(cred, flagName, []string{"http/1.1"})
		if err != nil {
			return fmt.Errorf("relay listen: %w", err)
		}
		go func() {
			if err := http.Serve(ln, mux); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
				log.Error().Err(err).Msg("[roomchat] relay http error")
			}
		}()
	}

	var httpSrv *http.Server
	if flagPort >= 0 {
		httpSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", flagPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		log.Info().Msgf("[roomchat] serving locally at http://127.0.0.1:%d", flagPort)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("[roomchat] local http stopped")
			}
		}()
	}

	go func() {
		<-ctx.Done()
		if ln != nil {
			_ = ln.Close()
		}
		if client != nil {
			_ = client.Close()
		}
		if httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(sctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("[roomchat] http server shutdown error")
			}
		}
	}()

	<-ctx.Done()
	srv.closeAll()
	srv.wait()
	if err := st.Close(); err != nil {
		log.Warn().Err(err).Msg("[roomchat] store close error")
	}
	log.Info().Msg("[roomchat] shutdown complete")
	return nil
}
