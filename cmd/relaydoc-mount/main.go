package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentworkforce/relaydoc/internal/crdt"
	"github.com/agentworkforce/relaydoc/internal/docstore"
	"github.com/agentworkforce/relaydoc/internal/mount"
	"github.com/agentworkforce/relaydoc/internal/provider"
	"github.com/agentworkforce/relaydoc/internal/storeclient"
	"github.com/agentworkforce/relaydoc/internal/transport"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("RELAYDOC_BASE_URL", "http://127.0.0.1:8080"), "relaydoc base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("RELAYDOC_TOKEN")), "bearer token")
	workspaceID := flag.String("workspace", strings.TrimSpace(os.Getenv("RELAYDOC_WORKSPACE")), "workspace ID")
	docPath := flag.String("path", strings.TrimSpace(os.Getenv("RELAYDOC_DOC_PATH")), "document path")
	localFile := flag.String("local-file", strings.TrimSpace(os.Getenv("RELAYDOC_LOCAL_FILE")), "local mirror file")
	field := flag.String("field", envOrDefault("RELAYDOC_FIELD", mount.DefaultField), "document text field to mirror")
	mode := flag.String("transport", envOrDefault("RELAYDOC_TRANSPORT", "relay"), "peer transport: relay or webrtc")
	iceServers := flag.String("ice-servers", envOrDefault("RELAYDOC_ICE_SERVERS", "stun:stun.l.google.com:19302"), "comma separated ICE server URLs")
	userName := flag.String("user", envOrDefault("RELAYDOC_USER", provider.DefaultUserName), "name shown to other editors")
	title := flag.String("title", strings.TrimSpace(os.Getenv("RELAYDOC_TITLE")), "document title to set")
	timeout := flag.Duration("timeout", durationEnv("RELAYDOC_TIMEOUT", 15*time.Second), "request timeout")
	logLevel := flag.String("log-level", envOrDefault("RELAYDOC_LOG_LEVEL", "info"), "log level")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or RELAYDOC_TOKEN)")
	}
	if strings.TrimSpace(*workspaceID) == "" {
		log.Fatalf("workspace is required (--workspace or RELAYDOC_WORKSPACE)")
	}
	if strings.TrimSpace(*docPath) == "" {
		log.Fatalf("path is required (--path or RELAYDOC_DOC_PATH)")
	}
	if strings.TrimSpace(*localFile) == "" {
		log.Fatalf("local-file is required (--local-file or RELAYDOC_LOCAL_FILE)")
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	client := storeclient.NewHTTPClient(storeclient.HTTPConfig{
		BaseURL:     *baseURL,
		WorkspaceID: strings.TrimSpace(*workspaceID),
		Token:       *token,
		HTTPClient:  &http.Client{Timeout: *timeout},
		Logger:      logger,
	})
	negotiator, err := buildNegotiator(*mode, *baseURL, strings.TrimSpace(*workspaceID), *token, splitList(*iceServers), client, logger)
	if err != nil {
		log.Fatalf("failed to initialize transport: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	doc := crdt.New()
	ready := make(chan struct{})
	var readyOnce sync.Once
	p, err := provider.New(provider.Options{
		Path:       *docPath,
		Store:      client,
		Negotiator: negotiator,
		Doc:        doc,
		UserName:   *userName,
		Logger:     logger,
		Callbacks: provider.Callbacks{
			OnReady: func() { readyOnce.Do(func() { close(ready) }) },
			OnSaving: func(saving bool) {
				logger.Debug("saving", "saving", saving)
			},
			OnSetMetadata: func(md docstore.Metadata) {
				logger.Debug("metadata", "title", md["title"], "lastUpdatedBy", md["updatedBy"])
			},
			OnDeleted: func() {
				logger.Warn("document deleted or access revoked")
				stop()
			},
		},
	})
	if err != nil {
		log.Fatalf("failed to initialize provider: %v", err)
	}
	if err := p.Start(); err != nil {
		log.Fatalf("failed to start provider: %v", err)
	}
	defer p.Destroy()

	select {
	case <-ready:
	case <-p.Done():
		log.Printf("provider stopped before the document was ready")
		return
	case <-rootCtx.Done():
		return
	}
	logger.Info("document ready", "path", *docPath, "state", p.State().String(), "client", p.ClientID())
	p.SetMetadata(openedMetadata(*title, time.Now()))

	mirror, err := mount.New(doc, mount.Options{LocalPath: *localFile, Field: *field, Logger: logger})
	if err != nil {
		log.Fatalf("failed to initialize mirror: %v", err)
	}
	mirrorCtx, cancelMirror := context.WithCancel(rootCtx)
	defer cancelMirror()
	mirrorDone := make(chan error, 1)
	go func() { mirrorDone <- mirror.Run(mirrorCtx) }()

	select {
	case <-rootCtx.Done():
		log.Printf("mount stopping: %v", rootCtx.Err())
	case <-p.Done():
		log.Printf("provider stopped")
	case err := <-mirrorDone:
		if err != nil {
			log.Printf("mirror failed: %v", err)
		}
	}
}

func buildNegotiator(mode, baseURL, workspaceID, token string, iceServers []string, client *storeclient.HTTPClient, logger *slog.Logger) (transport.Negotiator, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "relay", "websocket":
		return transport.NewWebSocketNegotiator(transport.WebSocketConfig{
			BaseURL:     baseURL,
			WorkspaceID: workspaceID,
			Token:       token,
			Logger:      logger,
		}), nil
	case "webrtc":
		return transport.NewWebRTCNegotiator(transport.WebRTCConfig{
			ICEServers: iceServers,
			Signaler:   storeclient.NewSignaler(client),
			Logger:     logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported transport: %s", mode)
	}
}

func openedMetadata(title string, now time.Time) docstore.Metadata {
	md := docstore.Metadata{"lastOpened": now.UTC().Format(time.RFC3339Nano)}
	if title = strings.TrimSpace(title); title != "" {
		md["title"] = title
	}
	return md
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
