package workersdk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/coder/websocket"
	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/net/html"
)

// devDebounce is how long after the last file event a rebuild waits, so one
// editor save (often several writes) triggers one rebuild.
const devDebounce = 150 * time.Millisecond

// DevServerOptions configures a local dev server.
type DevServerOptions struct {
	Config     *ProjectConfig
	ProjectDir string
	// Out receives request lines and captured worker console output.
	// Defaults to os.Stdout.
	Out io.Writer
}

// DevServer serves a worker locally. It bundles the project on start,
// executes fetch events in embedded VMs wired to local bindings, serves
// static assets ahead of the worker, and rebuilds on source changes with a
// live-reload poke to connected browsers.
type DevServer struct {
	cfg        *ProjectConfig
	projectDir string
	dataDir    string
	out        io.Writer

	bindings *DevBindings

	mu       sync.RWMutex
	executor *DevExecutor

	reload  *reloadHub
	watcher *fsnotify.Watcher

	httpSrv  *http.Server
	listener net.Listener

	closeOnce sync.Once
	closeErr  error

	// Addr is the address actually listening, set by Start. Useful when the
	// configured port is 0.
	Addr string
}

// NewDevServer opens the local binding stores and prepares a server. Call
// Start to bundle and begin listening; Close releases everything.
func NewDevServer(opts DevServerOptions) (*DevServer, error) {
	if opts.Config == nil {
		return nil, errors.New("dev server needs a project config")
	}
	if opts.ProjectDir == "" {
		opts.ProjectDir = "."
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	devVars, err := LoadDevVars(opts.ProjectDir)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", DevVarsFile, err)
	}
	dataDir := filepath.Join(opts.ProjectDir, DataDir)
	bindings, err := NewDevBindings(opts.Config, devVars, dataDir)
	if err != nil {
		return nil, err
	}

	return &DevServer{
		cfg:        opts.Config,
		projectDir: opts.ProjectDir,
		dataDir:    dataDir,
		out:        out,
		bindings:   bindings,
		reload:     newReloadHub(),
	}, nil
}

// Start bundles the worker, binds the listen address, and begins serving.
// It returns once the server is accepting; cancel ctx or call Close to stop.
func (s *DevServer) Start(ctx context.Context) error {
	if err := s.rebuild(); err != nil {
		s.Close()
		return err
	}

	addr := net.JoinHostPort(s.cfg.Dev.Host, strconv.Itoa(s.cfg.Dev.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.Close()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	s.Addr = ln.Addr().String()

	if err := s.startWatcher(ctx); err != nil {
		logger.Warn().Err(err).Msg("file watching unavailable; edits will not rebuild")
	}

	mux := http.NewServeMux()
	if s.cfg.Dev.LiveReload {
		mux.HandleFunc("/__reload", s.reload.handle)
	}
	mux.HandleFunc("/", s.handleRequest)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("dev server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	s.printBanner()
	return nil
}

// Close stops the server and releases the VMs, watcher, and binding stores.
func (s *DevServer) Close() error {
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
		s.reload.closeAll()
		if s.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			s.closeErr = s.httpSrv.Shutdown(ctx)
			cancel()
		} else if s.listener != nil {
			_ = s.listener.Close()
		}
		s.mu.Lock()
		exec := s.executor
		s.executor = nil
		s.mu.Unlock()
		if exec != nil {
			exec.Close()
		}
		s.bindings.Close()
	})
	return s.closeErr
}

// rebuild bundles the project and swaps in a fresh executor. The previous
// executor keeps serving until the swap, so a failed build leaves the last
// good one in place.
func (s *DevServer) rebuild() error {
	bundle, err := Bundle(BundleOptions{
		EntryPoint: filepath.Join(s.projectDir, s.cfg.Main),
		Compat:     s.cfg.NodeCompatFlags(),
		DataDir:    s.dataDir,
	})
	if err != nil {
		return fmt.Errorf("bundling %s: %w", s.cfg.Main, err)
	}
	for _, warn := range bundle.Warnings {
		logger.Warn().Str("warning", warn).Msg("bundler warning")
	}

	exec, err := NewDevExecutor(bundle.Script, s.bindings, 0)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.executor
	s.executor = exec
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (s *DevServer) startWatcher(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = w

	roots := []string{filepath.Dir(filepath.Join(s.projectDir, s.cfg.Main))}
	if dir := s.cfg.Assets.Directory; dir != "" {
		roots = append(roots, filepath.Join(s.projectDir, dir))
	}
	for _, root := range roots {
		if err := addWatchTree(w, root); err != nil {
			logger.Warn().Err(err).Str("dir", root).Msg("could not watch directory")
		}
	}

	go s.watchLoop(ctx)
	return nil
}

// addWatchTree watches root and every directory beneath it, skipping hidden
// directories and node_modules.
func addWatchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if p != root && (strings.HasPrefix(name, ".") || name == "node_modules") {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}

func (s *DevServer) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	trigger := func() {
		s.logLine(color.FgYellow, "rebuilding...")
		start := time.Now()
		if err := s.rebuild(); err != nil {
			// Keep serving the previous build.
			s.logLine(color.FgRed, "build failed: %v", err)
			return
		}
		s.logLine(color.FgGreen, "rebuilt in %s", time.Since(start).Round(time.Millisecond))
		s.reload.broadcast()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addWatchTree(s.watcher, ev.Name)
					continue
				}
			}
			if !watchRelevant(ev) {
				continue
			}
			if debounce == nil {
				debounce = time.AfterFunc(devDebounce, trigger)
			} else {
				debounce.Reset(devDebounce)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("file watcher error")
		}
	}
}

// watchRelevant filters events that should not trigger a rebuild: chmod
// noise, editor temp files, and dotfiles.
func watchRelevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	return true
}

func (s *DevServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	if s.serveAsset(w, r) {
		return
	}

	s.mu.RLock()
	exec := s.executor
	s.mu.RUnlock()
	if exec == nil {
		http.Error(w, "no build available", http.StatusServiceUnavailable)
		return
	}

	req, err := devRequestFromHTTP(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result := exec.Execute(req)
	s.printLogs(result.Logs)
	if result.Error != nil {
		s.logRequest(r.Method, r.URL.RequestURI(), http.StatusInternalServerError, result.Duration)
		http.Error(w, "worker error: "+result.Error.Error(), http.StatusInternalServerError)
		return
	}

	resp := result.Response
	body := resp.Body
	if s.cfg.Dev.LiveReload && strings.Contains(strings.ToLower(resp.Headers["content-type"]), "text/html") {
		body = injectReloadScript(body)
	}
	for k, v := range resp.Headers {
		if strings.EqualFold(k, "content-length") {
			continue
		}
		w.Header().Set(k, v)
	}
	status := resp.StatusCode
	if status < 100 || status > 599 {
		logger.Warn().Int("status", status).Msg("worker returned an out-of-range status; sending 500")
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
	s.logRequest(r.Method, r.URL.RequestURI(), status, result.Duration)
}

// serveAsset serves a static file when the method is GET or HEAD and the
// path resolves to one under the assets directory. Assets win over the
// worker, matching how the platform routes deployed assets. Reports whether
// it handled the request.
func (s *DevServer) serveAsset(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Assets.Directory == "" {
		return false
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}

	p := r.URL.Path
	if strings.HasSuffix(p, "/") {
		p += "index.html"
	}
	rel := strings.TrimPrefix(path.Clean(p), "/")
	if rel == "" {
		return false
	}
	for _, pattern := range s.cfg.Assets.Ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return false
		}
	}

	full := filepath.Join(s.projectDir, s.cfg.Assets.Directory, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return false
	}

	if s.cfg.Dev.LiveReload && (strings.HasSuffix(rel, ".html") || strings.HasSuffix(rel, ".htm")) {
		data, err := os.ReadFile(full)
		if err != nil {
			return false
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
		} else {
			_, _ = w.Write(injectReloadScript(data))
		}
	} else {
		http.ServeFile(w, r, full)
	}
	s.logRequest(r.Method, r.URL.RequestURI(), http.StatusOK, 0)
	return true
}

// devRequestFromHTTP flattens an incoming HTTP request into the worker
// request shape. Multi-valued headers are comma-joined.
func devRequestFromHTTP(r *http.Request) (*WorkerRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[strings.ToLower(k)] = strings.Join(r.Header.Values(k), ", ")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return &WorkerRequest{
		Method:  r.Method,
		URL:     scheme + "://" + r.Host + r.URL.RequestURI(),
		Headers: headers,
		Body:    body,
	}, nil
}

func (s *DevServer) printBanner() {
	_, _ = color.New(color.FgGreen, color.Bold).Fprintf(s.out, "%s dev server ready on http://%s\n", s.cfg.Name, s.Addr)
	now := time.Now()
	for _, expr := range s.cfg.CronExpressions() {
		next, ok := NextCronTime(expr, now)
		if !ok {
			continue
		}
		_, _ = color.New(color.FgCyan).Fprintf(s.out, "  cron %q next fires %s (scheduled handlers do not run locally)\n",
			expr, next.Format(time.RFC3339))
	}
	for name, kind := range s.bindings.Unsupported {
		_, _ = color.New(color.FgYellow).Fprintf(s.out, "  binding %s (%s) has no local backend; using it will error\n", name, kind)
	}
}

// devStatusColor picks the request-line color for a status class.
func devStatusColor(status int) *color.Color {
	switch {
	case status >= 500:
		return color.New(color.FgRed)
	case status >= 400:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}

func (s *DevServer) logRequest(method, uri string, status int, d time.Duration) {
	_, _ = devStatusColor(status).Fprintf(s.out, "[%s] %s %s %d (%s)\n",
		time.Now().Format("15:04:05"), method, uri, status, d.Round(time.Millisecond))
}

// printLogs forwards captured worker console output, indented under the
// request line.
func (s *DevServer) printLogs(entries []LogEntry) {
	for _, e := range entries {
		c := color.New(color.Faint)
		switch e.Level {
		case "warn":
			c = color.New(color.FgYellow)
		case "error":
			c = color.New(color.FgRed)
		}
		_, _ = c.Fprintf(s.out, "  [%s] %s\n", e.Level, e.Message)
	}
}

func (s *DevServer) logLine(attr color.Attribute, format string, args ...any) {
	_, _ = color.New(attr).Fprintf(s.out, format+"\n", args...)
}

// reloadClientJS is injected into HTML responses when live reload is on. It
// reconnects after the server restarts so a stopped-and-restarted dev
// session also refreshes the page.
const reloadClientJS = `(function() {
	var proto = location.protocol === "https:" ? "wss://" : "ws://";
	var sock = new WebSocket(proto + location.host + "/__reload");
	sock.onmessage = function() { location.reload(); };
	sock.onclose = function() { setTimeout(function() { location.reload(); }, 1000); };
})();`

// injectReloadScript appends the live-reload client to the document body.
// Anything that does not parse as HTML passes through untouched.
func injectReloadScript(body []byte) []byte {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return body
	}
	var target *html.Node
	var find func(*html.Node)
	find = func(n *html.Node) {
		if target != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "body" {
			target = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)
	if target == nil {
		return body
	}

	script := &html.Node{Type: html.ElementNode, Data: "script"}
	script.AppendChild(&html.Node{Type: html.TextNode, Data: reloadClientJS})
	target.AppendChild(script)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return body
	}
	return buf.Bytes()
}

// reloadHub tracks connected live-reload clients and pokes them on rebuild.
type reloadHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newReloadHub() *reloadHub {
	return &reloadHub{conns: make(map[*websocket.Conn]struct{})}
}

func (h *reloadHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	// Hold the socket open until the client goes away; reads also service
	// control frames.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	_ = conn.CloseNow()
}

func (h *reloadHub) broadcast() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.Write(ctx, websocket.MessageText, []byte("reload"))
		cancel()
	}
}

func (h *reloadHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		_ = c.Close(websocket.StatusGoingAway, "dev server shutting down")
	}
	h.conns = make(map[*websocket.Conn]struct{})
}
