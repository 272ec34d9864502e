package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/carlosbensant/payload-sync/internal/config"
	"github.com/carlosbensant/payload-sync/internal/services"
)

func main() {
	root := &cobra.Command{
		Use:   "payload-sync",
		Short: "Reactive query subscription server for document collections",
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && envFile != ".env" {
				return err
			}

			cfg := config.LoadConfig()
			mgr := services.NewManager(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := mgr.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			log.Println("Signal received, shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return mgr.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "path to a .env file")
	return cmd
}
