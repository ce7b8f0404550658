// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/AleutianChat/services/devserver"
)

var (
	serveAddr        string
	servePublicURL   string
	serveOpenAIKey   string
	serveOpenAIURL   string
	serveModel       string
	serveAPIKeyEnv   string
	serveEchoDelay   time.Duration
	serveTraceSample float64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the development chat backend",
	Long: `Runs a local backend with the chat, live, retrieval and upload endpoints.
Replies come from an OpenAI-compatible API when --openai-key-env names a set
variable, otherwise the request is echoed back.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveAddr, "addr", devserver.DefaultAddr, "listen address")
	f.StringVar(&servePublicURL, "public-url", "", "base URL for uploaded images (default: the host the upload was sent to)")
	f.StringVar(&serveOpenAIKey, "openai-key-env", "OPENAI_API_KEY", "environment variable holding the OpenAI key")
	f.StringVar(&serveOpenAIURL, "openai-base-url", "", "OpenAI-compatible endpoint")
	f.StringVar(&serveModel, "model", "", "default model (default "+devserver.DefaultOpenAIModel+")")
	f.StringVar(&serveAPIKeyEnv, "api-key-env", "", "environment variable holding the X-API-KEY clients must send")
	f.DurationVar(&serveEchoDelay, "echo-delay", 20*time.Millisecond, "pause between echoed words")
	f.Float64Var(&serveTraceSample, "trace-sample", 0, "fraction of requests to trace")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	slogger := logger.Component("devserver")

	responder, err := serveResponder(slogger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(serveTraceSample))))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	apiKey := ""
	if serveAPIKeyEnv != "" {
		apiKey = os.Getenv(serveAPIKeyEnv)
	}
	srv := devserver.New(devserver.Config{
		Addr:      serveAddr,
		PublicURL: servePublicURL,
		APIKey:    apiKey,
	}, devserver.Options{
		Logger:         slogger,
		Responder:      responder,
		Registry:       reg,
		TracerProvider: tp,
	})
	return srv.Run(ctx)
}

func serveResponder(logger *slog.Logger) (devserver.Responder, error) {
	key := ""
	if serveOpenAIKey != "" {
		key = os.Getenv(serveOpenAIKey)
	}
	if key == "" {
		logger.Info("no OpenAI key set, echoing prompts", slog.String("env", serveOpenAIKey))
		return devserver.NewEchoResponder(serveEchoDelay), nil
	}
	return devserver.NewOpenAIResponder(devserver.OpenAIConfig{
		APIKey:  []byte(key),
		Model:   serveModel,
		BaseURL: serveOpenAIURL,
	})
}
