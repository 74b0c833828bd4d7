package main

// crv-edge is the workspace-side daemon: it runs the job system (C9-C10)
// against a hive it talks to over the small JSON/HTTP surface
// cmd/crv-hive exposes. Real workspace sync/lock/submit plumbing is a
// boundary interface (edge.Workspace); this binary wires the one piece
// that is implemented, chunk transfer, though its hive client sends no
// bearer token (see httpHiveClient).

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/crv-vcs/crv/chunk"
	"github.com/crv-vcs/crv/config"
	"github.com/crv-vcs/crv/crverr"
	"github.com/crv-vcs/crv/edge"
	"github.com/crv-vcs/crv/metrics"
	"github.com/crv-vcs/crv/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/alecthomas/kingpin.v2"
)

const edgeVersion = "crv-edge/0.1.0"

func main() {
	var (
		configFile = kingpin.Flag(
			"config",
			"Config file for crv-edge.",
		).Default("crv-edge.yaml").Short('c').String()
		hiveAddress = kingpin.Flag(
			"hive-address",
			"Address of the crv-hive daemon to connect to (overrides config).",
		).String()
		localRoot = kingpin.Flag(
			"local-root",
			"Local workspace root (overrides config).",
		).String()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Int()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(edgeVersion).Author("crv")
	kingpin.CommandLine.Help = "Runs the crv-edge workspace daemon\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := telemetry.NewLogger(*debug)

	cfg, err := config.LoadEdgeConfigFile(*configFile)
	if err != nil {
		logger.Errorf("error loading config file: %v", err)
		os.Exit(1)
	}
	if *hiveAddress != "" {
		cfg.HiveAddress = *hiveAddress
	}
	if *localRoot != "" {
		cfg.LocalRoot = *localRoot
	}

	logger.Infof("%s starting, hive address %s, local root %s", edgeVersion, cfg.HiveAddress, cfg.LocalRoot)

	reg := metrics.New()
	hiveClient := newHTTPHiveClient(cfg.HiveAddress)
	daemon := edge.NewDaemon(logger, hiveClient, reg)
	defer daemon.Close()

	port := cfg.Port
	if port <= 0 {
		port = config.DefaultEdgePort
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	addr := ":" + strconv.Itoa(port)
	go func() {
		logger.Infof("metrics listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Errorf("metrics http server error: %v", err)
		}
	}()

	logger.Info("crv-edge is up; job transfer surface is ready for StartTransfer/StreamJob/PollJob calls")
	select {}
}

// httpHiveClient implements edge.HiveClient against the minimal JSON/HTTP
// surface cmd/crv-hive exposes. It sends no Authorization header, so
// cmd/crv-hive's /chunks/ handler, which authenticates every request,
// rejects its uploads and downloads as unauthenticated.
type httpHiveClient struct {
	baseURL string
	client  *http.Client
}

func newHTTPHiveClient(baseURL string) *httpHiveClient {
	return &httpHiveClient{baseURL: baseURL, client: &http.Client{}}
}

func (c *httpHiveClient) UploadChunk(ctx context.Context, ticket string, h chunk.Hash, data []byte) error {
	u := fmt.Sprintf("%s/chunks/%s?ticket=%s", c.baseURL, h.String(), url.QueryEscape(ticket))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return crverr.Wrap(crverr.Internal, err, "upload chunk %s", h)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return crverr.New(crverr.Internal, "upload chunk %s: hive returned %d: %s", h, resp.StatusCode, string(body))
	}
	return nil
}

func (c *httpHiveClient) DownloadChunk(ctx context.Context, h chunk.Hash) ([]byte, error) {
	u := fmt.Sprintf("%s/chunks/%s", c.baseURL, h.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, crverr.Wrap(crverr.Internal, err, "download chunk %s", h)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, crverr.New(crverr.NotFound, "chunk not found: %s", h)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, crverr.New(crverr.Internal, "download chunk %s: hive returned %d: %s", h, resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}
