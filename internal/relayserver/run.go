package relayserver

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/edgefn/gemini-relay/internal/config"
	"github.com/edgefn/gemini-relay/internal/upstream"
)

func Run(cfgPath string) error {
	startedAt := time.Now().Unix()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	accessLogger, accessClose, err := openAccessLogger(cfg)
	if err != nil {
		return fmt.Errorf("init access log: %w", err)
	}
	if accessClose != nil {
		defer func() { _ = accessClose.Close() }()
	}

	pidCleanup, err := writePIDFile(cfg)
	if err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if pidCleanup != nil {
		defer func() { _ = pidCleanup.Close() }()
	}

	caller := &upstream.Client{
		HTTP: &http.Client{
			Timeout: time.Duration(cfg.Upstream.TimeoutMs) * time.Millisecond,
		},
		BaseURL: cfg.Upstream.BaseURL,
	}

	st := &state{cfg: cfg}
	st.SetStartedAtUnix(startedAt)

	installReloadSignalHandler(cfgPath, st)

	stopWatch, err := config.Watch(cfgPath, st.SetConfig)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer stopWatch()

	engine := NewRouter(cfg, st, caller, accessLogger)

	if cfg.Upstream.APIKey == "" {
		log.Printf("warning: no Gemini API key configured; requests will fail with 500 until GEMINI_API_KEY is set")
	}
	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      engine,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
	}
	log.Printf("gemini-relay listening on %s", cfg.Server.Listen)
	if err := srv.ListenAndServe(); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

func openAccessLogger(cfg *config.Config) (*log.Logger, io.Closer, error) {
	if cfg == nil || !cfg.Logging.AccessLog {
		return nil, nil, nil
	}

	path := strings.TrimSpace(cfg.Logging.AccessLogPath)
	if path == "" {
		return log.New(os.Stdout, "", log.LstdFlags), nil, nil
	}

	dir := filepath.Dir(path)
	if strings.TrimSpace(dir) != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, nil, err
		}
	}
	// #nosec G304 -- access_log_path comes from trusted config/env.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return log.New(f, "", log.LstdFlags), f, nil
}

type closerFunc func() error

func (c closerFunc) Close() error { return c() }

func writePIDFile(cfg *config.Config) (io.Closer, error) {
	if cfg == nil {
		return nil, nil
	}
	path := strings.TrimSpace(cfg.Server.PidFile)
	if path == "" {
		return nil, nil
	}
	dir := filepath.Dir(path)
	if strings.TrimSpace(dir) != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}

	tmp := path + ".tmp"
	pid := strconv.Itoa(os.Getpid()) + "\n"
	// #nosec G304 -- pid_file comes from trusted config/env.
	if err := os.WriteFile(tmp, []byte(pid), 0o600); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	return closerFunc(func() error { return os.Remove(path) }), nil
}

func installReloadSignalHandler(cfgPath string, st *state) {
	if st == nil {
		return
	}
	var mu sync.Mutex
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		for range ch {
			mu.Lock()
			cfg, err := config.Load(cfgPath)
			if err == nil {
				st.SetConfig(cfg)
			}
			mu.Unlock()
			if err != nil {
				log.Printf("reload failed: %v", err)
				continue
			}
			log.Printf("reload ok")
		}
	}()
}
