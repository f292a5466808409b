package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

type config struct {
	listenAddr    string
	configPath    string
	proxyURL      string
	imageBaseURL  string
	imageCacheDir string
	imageTTL      time.Duration
	storePath     string
	retentionDays int
	languageCode  string
	timeZone      string
	debug         bool
	models        []string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func buildConfig() (config, *ConfigFile) {
	configPath := getenv("GBPROXY_CONFIG", "config.toml")
	configFile, err := loadConfigFile(configPath)
	if err != nil {
		log.Printf("warning: failed to load %s: %v", configPath, err)
	}

	var fileCfg ConfigFile
	if configFile != nil {
		fileCfg = *configFile
	}

	cfg := config{configPath: configPath}
	cfg.listenAddr = getConfigString("GBPROXY_LISTEN_ADDR", fileCfg.ListenAddr, "127.0.0.1:8000")
	cfg.proxyURL = getConfigString("GBPROXY_PROXY_URL", fileCfg.ProxyURL, "")
	cfg.imageBaseURL = getConfigString("GBPROXY_IMAGE_BASE_URL", fileCfg.ImageBaseURL, "")
	cfg.imageCacheDir = getConfigString("GBPROXY_IMAGE_CACHE_DIR", fileCfg.ImageCacheDir, "image_cache")
	cfg.imageTTL = time.Duration(getConfigInt("GBPROXY_IMAGE_TTL_MINUTES", fileCfg.ImageTTLMinutes, 60)) * time.Minute
	cfg.storePath = getConfigString("GBPROXY_DB_PATH", fileCfg.DBPath, "./data/gateway.db")
	cfg.retentionDays = getConfigInt("GBPROXY_RETENTION_DAYS", fileCfg.RetentionDays, 30)
	cfg.languageCode = getConfigString("GBPROXY_LANGUAGE_CODE", fileCfg.LanguageCode, "zh-CN")
	cfg.timeZone = getConfigString("GBPROXY_TIME_ZONE", fileCfg.TimeZone, "Etc/GMT-8")
	cfg.debug = getConfigBool("GBPROXY_DEBUG", fileCfg.Debug, false)
	cfg.models = fileCfg.Models

	flag.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "listen address")
	flag.Parse()
	return cfg, configFile
}

func buildAccounts(cfgs []AccountConfig) []*Account {
	out := make([]*Account, 0, len(cfgs))
	for i, c := range cfgs {
		out = append(out, &Account{
			Index:      i,
			TeamID:     c.TeamID,
			SecureCSes: c.SecureCSes,
			HostCOses:  c.HostCOses,
			Csesidx:    c.Csesidx,
			UserAgent:  c.UserAgent,
		})
	}
	return out
}

// configPersister writes availability changes back into config.toml so a
// restart doesn't resurrect accounts with dead cookies.
type configPersister struct {
	mu   sync.Mutex
	path string
	file *ConfigFile
}

func (p *configPersister) save(views []accountView) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return
	}
	for _, v := range views {
		if v.Index >= len(p.file.Accounts) {
			continue
		}
		acc := &p.file.Accounts[v.Index]
		acc.Disabled = !v.Available
		acc.UnavailableReason = v.UnavailableReason
		if v.Available || v.UnavailableSince.IsZero() {
			acc.UnavailableTime = ""
		} else {
			acc.UnavailableTime = v.UnavailableSince.Format(time.RFC3339)
		}
	}
	if err := saveConfigFile(p.path, p.file); err != nil {
		log.Printf("warning: persist availability: %v", err)
	}
}

func (p *configPersister) setFile(file *ConfigFile) {
	p.mu.Lock()
	p.file = file
	p.mu.Unlock()
}

func main() {
	cfg, configFile := buildConfig()

	var accountCfgs []AccountConfig
	if configFile != nil {
		accountCfgs = configFile.Accounts
	}
	accounts := buildAccounts(accountCfgs)
	if len(accounts) == 0 {
		log.Printf("warning: no accounts configured in %s", cfg.configPath)
	}

	if dir := filepath.Dir(cfg.storePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("create data dir: %v", err)
		}
	}
	store, err := newRequestStore(cfg.storePath, cfg.retentionDays)
	if err != nil {
		log.Fatalf("open request store: %v", err)
	}
	defer store.Close()

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
	}
	if cfg.proxyURL != "" {
		proxyURL, err := url.Parse(cfg.proxyURL)
		if err != nil {
			log.Fatalf("invalid proxy_url %q: %v", cfg.proxyURL, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	_ = http2.ConfigureTransport(transport)

	client := newUpstreamClient(transport, cfg.languageCode, cfg.timeZone)

	reg := newRegistry(accounts, client)
	reg.restoreAvailability(accountCfgs)
	persister := &configPersister{path: cfg.configPath, file: configFile}
	reg.persist = persister.save

	h := &gatewayHandler{
		cfg:       cfg,
		registry:  reg,
		client:    client,
		cache:     newImageCache(cfg.imageCacheDir, cfg.imageTTL),
		store:     store,
		metrics:   newMetrics(),
		recent:    newRecentErrors(50),
		persister: persister,
		startTime: time.Now(),
	}
	h.send = h.sendUpstream

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}
	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		log.Printf("warning: failed to configure HTTP/2 server: %v", err)
	}

	log.Printf("gemini-biz proxy listening on %s (accounts=%d available=%d, image_ttl=%v, proxy=%q)",
		cfg.listenAddr, reg.count(), reg.availableCount(), cfg.imageTTL, cfg.proxyURL)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

type gatewayHandler struct {
	cfg       config
	registry  *registry
	client    *upstreamClient
	cache     *imageCache
	store     *requestStore
	metrics   *metrics
	recent    *recentErrors
	persister *configPersister
	send      sendFunc
	startTime time.Time
	inflight  atomic.Int64
}
