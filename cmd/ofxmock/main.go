// Command ofxmock serves a scripted OFX bank for trying out dcsync without real credentials
package main

import (
	"context"
	"encoding/pem"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/johnstarich/dcsync/bankmock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := flag.NewFlagSet("ofxmock", flag.ContinueOnError)
	addr := flagSet.String("addr", "127.0.0.1:8443", "Address to listen on")
	scenario := flagSet.String("scenario", "", "Path to a JSON bank scenario. Defaults to a demo bank with one challenge.")
	certFile := flagSet.String("cert", "", "TLS certificate file. Defaults to a generated certificate.")
	keyFile := flagSet.String("key", "", "TLS key file, required with -cert")
	caOut := flagSet.String("ca-out", "ofxmock-ca.pem", "Where to write the generated certificate, for dcsync sync --ca")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if os.Getenv("DEVELOPMENT") == "true" {
		logger, err = zap.NewDevelopment()
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	config := bankmock.Demo(time.Now())
	if *scenario != "" {
		config, err = bankmock.LoadConfig(*scenario)
		if err != nil {
			return err
		}
	}
	bank := bankmock.New(config, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if *certFile != "" {
		return serveWithCert(ctx, logger, bank, *addr, *certFile, *keyFile)
	}

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		return errors.Wrap(err, "Listen")
	}
	srv := httptest.NewUnstartedServer(bank)
	srv.Listener = listener
	srv.StartTLS()
	defer srv.Close()

	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	if err := os.WriteFile(*caOut, caPEM, 0600); err != nil {
		return errors.Wrap(err, "Write certificate")
	}
	logger.Info("Serving mock bank",
		zap.String("url", srv.URL+"/ofx"),
		zap.String("org", config.Org),
		zap.String("fid", config.FID),
		zap.String("ca", *caOut),
	)
	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}

func serveWithCert(ctx context.Context, logger *zap.Logger, bank http.Handler, addr, certFile, keyFile string) error {
	if keyFile == "" {
		return errors.New("-key is required with -cert")
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           bank,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Info("Serving mock bank", zap.String("url", "https://"+addr+"/ofx"))
	err := server.ListenAndServeTLS(certFile, keyFile)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
