package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/konorlevich/danceshare/internal/database"
	"github.com/konorlevich/danceshare/internal/handler"
	"github.com/konorlevich/danceshare/internal/media"
	"github.com/konorlevich/danceshare/internal/storage/chunks"
	"github.com/konorlevich/danceshare/internal/upload"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the upload API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, db, l, err := setup()
	if err != nil {
		return err
	}
	defer closeDb(db, l)
	l = l.WithFields(log.Fields{
		"port":       cfg.Port,
		"upload_dir": cfg.UploadDir,
		"temp_dir":   cfg.TempDir,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo := database.NewRepository(db)
	store, err := chunks.NewStorage(cfg.TempDir, repo, l)
	if err != nil {
		return err
	}
	ffmpeg := media.NewFFmpeg(cfg.FFmpeg, l)
	ffprobe := media.NewFFprobe(cfg.FFprobe)
	normalizer, err := media.NewNormalizer(ffmpeg, filepath.Join(cfg.TempDir, "converted"), l,
		media.WithTimeout(cfg.ConvertTimeout),
		media.WithVerifyCanonical(cfg.VerifyCanonical),
	)
	if err != nil {
		return err
	}
	svc, err := upload.NewService(upload.Deps{
		Chunks:      store,
		Normalizer:  normalizer,
		Ledger:      database.NewLedger(db, cfg.QuotaBytes),
		Registrar:   repo,
		Thumbnailer: media.NewThumbnailer(ffprobe, ffmpeg, l),
		Prober:      ffprobe,
	}, cfg.UploadDir, cfg.ThumbnailAt, l)
	if err != nil {
		return err
	}

	if cfg.SessionTTL > 0 {
		sweeper := chunks.NewSweeper(store, repo, cfg.SessionTTL, cfg.SweepEvery, l)
		sweeper.Start(ctx)
		defer sweeper.Wait()
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.NewHandler(svc, repo, repo, cfg.MaxChunkBytes, l),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		l.Infof("listening to port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		// stops the sweeper before its deferred Wait
		stop()
		return err
	case <-ctx.Done():
		l.Info("got interruption signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		l.WithError(err).Error("handler shutdown returned an err")
	}
	return nil
}
