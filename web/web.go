// Package web exposes the loader over HTTP: an image proxy endpoint, a
// status endpoint and Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mitrofmep/imgload/imgload"
	"github.com/mitrofmep/imgload/loader"
	"github.com/mitrofmep/imgload/pkg/rlog"
)

type Server struct {
	buildInfo imgload.BuildInfo

	httpServer *http.Server

	loader *loader.Loader
}

func NewServer(cfg imgload.Config, ldr *loader.Loader) *Server {
	s := &Server{
		buildInfo: cfg.BuildInfo,
		//
		loader: ldr,
	}

	mux := http.NewServeMux()

	// API
	mux.HandleFunc("/api/image", s.handleImage)
	mux.HandleFunc("/api/status", s.handleStatus)

	// Debug
	mux.Handle("/debug/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ServerPort),
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	rlog.Infof("start web server on %q", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// queryOptions maps query params to load options.
var queryOptions = map[string]imgload.Option{
	"retry":         imgload.RetryFailed,
	"cache-only":    imgload.CacheOnly,
	"memory-only":   imgload.CacheMemoryOnly,
	"low-priority":  imgload.LowPriority,
	"high-priority": imgload.HighPriority,
	"insecure":      imgload.AllowInsecureTLS,
	"refresh":       imgload.RefreshCached,
	"scale-down":    imgload.ScaleDownLargeImages,
}

// handleImage serves 'GET /api/image?src=<url>'. The request is answered
// with the first delivered result: for a forced refresh that is the cached
// image.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	src := query.Get("src")
	if src == "" {
		http.Error(w, `missing "src" query param`, http.StatusBadRequest)
		return
	}

	var opts imgload.Option
	for name, opt := range queryOptions {
		if v, _ := strconv.ParseBool(query.Get(name)); v {
			opts |= opt
		}
	}

	resCh := make(chan loader.Result, 2)
	handle := s.loader.Start(src, opts, nil, func(res loader.Result) {
		select {
		case resCh <- res:
		default:
		}
	})

	var res loader.Result
	select {
	case <-r.Context().Done():
		handle.Cancel()
		return
	case res = <-resCh:
	}

	switch {
	case errors.Is(res.Err, imgload.ErrNotFound):
		http.Error(w, res.Err.Error(), http.StatusNotFound)
		return
	case res.Err != nil:
		http.Error(w, res.Err.Error(), http.StatusBadGateway)
		return
	case res.Image == nil:
		http.Error(w, "no image", http.StatusNotFound)
		return
	}

	data := res.Data
	if data == nil {
		var err error
		data, err = imgload.EncodeImage(res.Image)
		if err != nil {
			rlog.Errorf("couldn't encode image for %q: %s", src, err)
			http.Error(w, "couldn't encode image", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "image/"+res.Image.Format)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Imgload-Tier", res.Tier.String())
	w.Write(data) //nolint:errcheck
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Running    bool   `json:"running"`
		CommitHash string `json:"commit_hash"`
		CommitTime string `json:"commit_time"`
	}{
		Running:    s.loader.IsAnyRequestRunning(),
		CommitHash: s.buildInfo.ShortGitHash,
		CommitTime: s.buildInfo.CommitTime,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		rlog.Errorf("couldn't encode status response: %s", err)
	}
}
