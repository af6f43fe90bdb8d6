package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/sirupsen/logrus"
)

// CreateContextWithShutdown returns a context that will report done when a SIGINT or SIGTERM is received
func CreateContextWithShutdown() *lgcontext.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			logrus.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return lgcontext.New(ctx, logrus.NewEntry(logrus.StandardLogger()))
}
