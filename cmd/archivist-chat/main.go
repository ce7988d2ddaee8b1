// Command archivist-chat runs the encrypted chat node: an HTTPS
// transport for peers plus the session, trust, and delivery machinery
// behind it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/archivist-app/chatcore/chat"
	"github.com/archivist-app/chatcore/config"
	"github.com/archivist-app/chatcore/transport"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "archivist-chat",
		Short: "End-to-end encrypted peer-to-peer chat node",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	root.AddCommand(serveCmd(), identityCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg.ApplyLogLevel()

			client := transport.NewClient(transport.StaticResolver(cfg.Peers))
			svc, err := chat.NewService(cfg, client)
			if err != nil {
				return err
			}

			cert, err := transport.LoadOrCreateCertificate(
				svc.KeyStore().CertPath(), svc.KeyStore().KeyPath(), cfg.PeerID)
			if err != nil {
				return err
			}
			svc.SetCertFingerprint(transport.CertificateFingerprint(cert))
			logrus.WithFields(logrus.Fields{
				"function":    "serve",
				"fingerprint": transport.CertificateFingerprint(cert),
			}).Info("Transport certificate ready")

			server := transport.NewServer(svc.Handler(), cert)
			if err := server.Start(cfg.ListenAddress); err != nil {
				return err
			}
			svc.SetAddress(server.Addr())

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go svc.RunDeliveryLoop(ctx)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			logrus.WithField("function", "serve").Info("Shutting down")
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the node identity and fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg.ApplyLogLevel()

			svc, err := chat.NewService(cfg, transport.NewClient(transport.StaticResolver(cfg.Peers)))
			if err != nil {
				return err
			}
			cert, err := transport.LoadOrCreateCertificate(
				svc.KeyStore().CertPath(), svc.KeyStore().KeyPath(), cfg.PeerID)
			if err != nil {
				return err
			}
			svc.SetCertFingerprint(transport.CertificateFingerprint(cert))

			out, err := json.MarshalIndent(svc.Identity(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
