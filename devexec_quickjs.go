//go:build !v8

package workersdk

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"modernc.org/quickjs"
)

const (
	// devPoolSize is how many VMs a dev executor keeps warm. Dev traffic is
	// one person clicking around; two covers a request racing a waitUntil.
	devPoolSize = 2
	// devExecTimeout bounds one request when the project sets no cpu_ms.
	devExecTimeout = 30 * time.Second
	// devMemoryLimitMB caps each dev VM's heap.
	devMemoryLimitMB = 256
)

// devWorker is one warm VM with the worker script loaded. logs collects
// console output for the request currently running on it.
type devWorker struct {
	vm   *quickjs.VM
	logs []LogEntry
}

// DevExecutor runs fetch events against a bundled script on a pool of
// QuickJS VMs. Bindings are attached at VM setup and stay fixed for the
// executor's lifetime; a rebuild swaps in a whole new executor.
type DevExecutor struct {
	bindings *DevBindings
	script   string
	timeout  time.Duration
	pool     chan *devWorker
	closed   atomic.Bool
	httpc    *http.Client
}

// NewDevExecutor compiles script into devPoolSize VMs with bindings
// attached. A timeout of zero means devExecTimeout. The executor does not
// own bindings; close both when done.
func NewDevExecutor(script string, bindings *DevBindings, timeout time.Duration) (*DevExecutor, error) {
	if timeout <= 0 {
		timeout = devExecTimeout
	}
	if bindings == nil {
		bindings = &DevBindings{}
	}
	e := &DevExecutor{
		bindings: bindings,
		script:   script,
		timeout:  timeout,
		pool:     make(chan *devWorker, devPoolSize),
		httpc:    &http.Client{Timeout: 30 * time.Second},
	}
	for i := 0; i < devPoolSize; i++ {
		w, err := e.newWorker()
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("creating dev worker %d: %w", i, err)
		}
		e.pool <- w
	}
	return e, nil
}

// Close tears down every pooled VM. VMs out on loan are closed when their
// request returns them.
func (e *DevExecutor) Close() {
	if e.closed.Swap(true) {
		return
	}
	for {
		select {
		case w := <-e.pool:
			w.vm.Close()
		default:
			return
		}
	}
}

// Execute runs the worker's fetch handler against req on one pooled VM.
// It never returns a nil result: failures come back in result.Error with
// whatever console output was captured before the failure.
func (e *DevExecutor) Execute(req *WorkerRequest) (result *WorkerResult) {
	start := time.Now()
	result = &WorkerResult{}

	w, err := e.getWorker()
	if err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		return result
	}
	w.logs = nil

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(e.timeout, func() {
		timedOut.Store(true)
		w.vm.Interrupt()
	})

	var panicked bool
	defer func() {
		stopped := watchdog.Stop()
		if r := recover(); r != nil {
			panicked = true
			if timedOut.Load() {
				result.Error = fmt.Errorf("worker execution timed out (limit: %v)", e.timeout)
			} else {
				result.Error = fmt.Errorf("worker runtime panic: %v", r)
			}
		}
		result.Logs = w.logs
		result.Duration = time.Since(start)
		if stopped && !timedOut.Load() && !panicked {
			e.putWorker(w)
		} else {
			// An interrupted or panicked VM is not trustworthy anymore.
			w.vm.Close()
			e.replaceWorker()
		}
	}()

	vm := w.vm
	if err := injectDevRequest(vm, req); err != nil {
		result.Error = fmt.Errorf("building js request: %w", err)
		return result
	}
	if err := evalDiscard(vm, devExecContextJS); err != nil {
		result.Error = fmt.Errorf("building js context: %w", err)
		return result
	}

	callResult, err := vm.EvalValue(devCallFetchJS, quickjs.EvalGlobal)
	if err != nil {
		if timedOut.Load() {
			result.Error = fmt.Errorf("worker execution timed out (limit: %v)", e.timeout)
		} else {
			result.Error = fmt.Errorf("invoking fetch handler: %w", err)
		}
		return result
	}
	if err := setGlobal(vm, "__result", callResult); err != nil {
		callResult.Free()
		result.Error = fmt.Errorf("storing fetch result: %w", err)
		return result
	}
	callResult.Free()

	executePendingJobs(vm)

	deadline := start.Add(e.timeout)
	if err := awaitGlobal(vm, "__result", deadline); err != nil {
		result.Error = err
		return result
	}

	resp, err := extractDevResponse(vm)
	if err != nil {
		result.Error = err
		return result
	}
	drainWaitUntil(vm, deadline)
	result.Response = resp
	return result
}

func (e *DevExecutor) getWorker() (*devWorker, error) {
	if e.closed.Load() {
		return nil, errors.New("dev executor is closed")
	}
	w, ok := <-e.pool
	if !ok {
		return nil, errors.New("dev executor is closed")
	}
	return w, nil
}

func (e *DevExecutor) putWorker(w *devWorker) {
	if e.closed.Load() {
		w.vm.Close()
		return
	}
	if err := evalDiscard(w.vm, devCleanupJS); err != nil {
		logger.Warn().Err(err).Msg("dev worker cleanup failed; replacing vm")
		w.vm.Close()
		e.replaceWorker()
		return
	}
	select {
	case e.pool <- w:
	default:
		w.vm.Close()
	}
}

// replaceWorker refills the pool slot left by a discarded VM.
func (e *DevExecutor) replaceWorker() {
	if e.closed.Load() {
		return
	}
	fresh, err := e.newWorker()
	if err != nil {
		logger.Warn().Err(err).Msg("could not replace discarded dev worker")
		return
	}
	select {
	case e.pool <- fresh:
	default:
		fresh.vm.Close()
	}
}

func (e *DevExecutor) newWorker() (*devWorker, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	vm.SetMemoryLimit(uintptr(devMemoryLimitMB) * 1024 * 1024)

	w := &devWorker{vm: vm}
	if err := e.setupWorker(w); err != nil {
		vm.Close()
		return nil, err
	}
	return w, nil
}

// setupWorker registers the Go-backed functions, evaluates the runtime
// prelude, builds the env object, and loads the worker script.
func (e *DevExecutor) setupWorker(w *devWorker) error {
	vm := w.vm

	if err := registerGoFunc(vm, "__console_log", func(level, message string) {
		w.logs = append(w.logs, LogEntry{Level: level, Message: message, Time: time.Now()})
	}, false); err != nil {
		return fmt.Errorf("registering console sink: %w", err)
	}

	if err := registerGoFunc(vm, "__dev_uuid", func() (string, error) {
		return uuid.NewString(), nil
	}, false); err != nil {
		return fmt.Errorf("registering uuid source: %w", err)
	}

	if err := registerGoFunc(vm, "__dev_random_hex", func(n int) (string, error) {
		if n < 0 || n > 65536 {
			return "", fmt.Errorf("invalid random length %d", n)
		}
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		return hex.EncodeToString(buf), nil
	}, false); err != nil {
		return fmt.Errorf("registering random source: %w", err)
	}

	if err := registerGoFunc(vm, "__dev_fetch", e.devFetch, false); err != nil {
		return fmt.Errorf("registering fetch: %w", err)
	}

	if err := e.registerKVFuncs(vm); err != nil {
		return err
	}
	if err := e.registerD1Funcs(vm); err != nil {
		return err
	}

	if err := evalDiscard(vm, devPreludeJS); err != nil {
		return fmt.Errorf("evaluating dev runtime prelude: %w", err)
	}
	if err := e.buildEnv(vm); err != nil {
		return err
	}

	if err := evalDiscard(vm, WrapESModule(e.script)); err != nil {
		return fmt.Errorf("loading worker script: %w", err)
	}
	ok, err := evalBool(vm, "typeof globalThis.__worker_module__ === 'object' && globalThis.__worker_module__ !== null && typeof globalThis.__worker_module__.fetch === 'function'")
	if err != nil || !ok {
		return errors.New("worker script has no fetch handler; local dev serves fetch events only")
	}
	return nil
}

// buildEnv assembles globalThis.__env from the binding set. Vars and secrets
// are plain strings; KV and D1 go through the prelude factories; everything
// without a local backend gets a guard that throws on first touch.
func (e *DevExecutor) buildEnv(vm *quickjs.VM) error {
	if err := evalDiscard(vm, "globalThis.__env = {};"); err != nil {
		return fmt.Errorf("creating env object: %w", err)
	}
	set := func(js string) error { return evalDiscard(vm, js) }

	for k, v := range e.bindings.Vars {
		if err := set(fmt.Sprintf("globalThis.__env[%s] = %s;", jsEscape(k), jsEscape(v))); err != nil {
			return fmt.Errorf("setting var %q: %w", k, err)
		}
	}
	for k, v := range e.bindings.Secrets {
		if err := set(fmt.Sprintf("globalThis.__env[%s] = %s;", jsEscape(k), jsEscape(v))); err != nil {
			return fmt.Errorf("setting secret %q: %w", k, err)
		}
	}
	for name := range e.bindings.KV {
		if err := set(fmt.Sprintf("globalThis.__env[%s] = __makeKV(%s);", jsEscape(name), jsEscape(name))); err != nil {
			return fmt.Errorf("binding kv namespace %q: %w", name, err)
		}
	}
	for name := range e.bindings.D1 {
		if err := set(fmt.Sprintf("globalThis.__env[%s] = __makeD1(%s);", jsEscape(name), jsEscape(name))); err != nil {
			return fmt.Errorf("binding d1 database %q: %w", name, err)
		}
	}
	for name, kind := range e.bindings.Unsupported {
		if err := set(fmt.Sprintf("globalThis.__env[%s] = __makeUnsupported(%s, %s);", jsEscape(name), jsEscape(name), jsEscape(kind))); err != nil {
			return fmt.Errorf("binding %s %q: %w", kind, name, err)
		}
	}
	return nil
}

func (e *DevExecutor) registerKVFuncs(vm *quickjs.VM) error {
	if err := registerGoFunc(vm, "__kv_get", func(binding, key string) (string, error) {
		store, ok := e.bindings.KV[binding]
		if !ok {
			return "", fmt.Errorf("kv binding %q not found", binding)
		}
		val, err := store.Get(key)
		if err != nil {
			return "", err
		}
		if val == nil {
			return "null", nil
		}
		data, err := json.Marshal(map[string]any{"value": *val})
		if err != nil {
			return "", err
		}
		return string(data), nil
	}, false); err != nil {
		return fmt.Errorf("registering kv get: %w", err)
	}

	if err := registerGoFunc(vm, "__kv_get_with_metadata", func(binding, key string) (string, error) {
		store, ok := e.bindings.KV[binding]
		if !ok {
			return "", fmt.Errorf("kv binding %q not found", binding)
		}
		entry, err := store.GetWithMetadata(key)
		if err != nil {
			return "", err
		}
		if entry == nil {
			return `{"value":null,"metadata":null}`, nil
		}
		out := map[string]any{"value": entry.Value, "metadata": nil}
		if entry.Metadata != nil {
			var parsed any
			if json.Unmarshal([]byte(*entry.Metadata), &parsed) == nil {
				out["metadata"] = parsed
			} else {
				out["metadata"] = *entry.Metadata
			}
		}
		data, err := json.Marshal(out)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}, false); err != nil {
		return fmt.Errorf("registering kv getWithMetadata: %w", err)
	}

	if err := registerGoFunc(vm, "__kv_put", func(binding, key, value, optsJSON string) (string, error) {
		store, ok := e.bindings.KV[binding]
		if !ok {
			return "", fmt.Errorf("kv binding %q not found", binding)
		}
		var opts struct {
			Metadata      *string `json:"metadata"`
			ExpirationTTL *int    `json:"expirationTtl"`
		}
		if optsJSON != "" && optsJSON != "{}" {
			if err := json.Unmarshal([]byte(optsJSON), &opts); err != nil {
				return "", fmt.Errorf("invalid kv put options: %w", err)
			}
		}
		if err := store.Put(key, value, opts.Metadata, opts.ExpirationTTL); err != nil {
			return "", err
		}
		return "", nil
	}, false); err != nil {
		return fmt.Errorf("registering kv put: %w", err)
	}

	if err := registerGoFunc(vm, "__kv_delete", func(binding, key string) (string, error) {
		store, ok := e.bindings.KV[binding]
		if !ok {
			return "", fmt.Errorf("kv binding %q not found", binding)
		}
		if err := store.Delete(key); err != nil {
			return "", err
		}
		return "", nil
	}, false); err != nil {
		return fmt.Errorf("registering kv delete: %w", err)
	}

	if err := registerGoFunc(vm, "__kv_list", func(binding, optsJSON string) (string, error) {
		store, ok := e.bindings.KV[binding]
		if !ok {
			return "", fmt.Errorf("kv binding %q not found", binding)
		}
		var opts struct {
			Prefix string `json:"prefix"`
			Limit  int    `json:"limit"`
			Cursor string `json:"cursor"`
		}
		if optsJSON != "" && optsJSON != "{}" {
			if err := json.Unmarshal([]byte(optsJSON), &opts); err != nil {
				return "", fmt.Errorf("invalid kv list options: %w", err)
			}
		}
		page, err := store.List(opts.Prefix, opts.Limit, opts.Cursor)
		if err != nil {
			return "", err
		}
		keys := page.Keys
		if keys == nil {
			keys = []map[string]any{}
		}
		data, err := json.Marshal(map[string]any{
			"keys":          keys,
			"list_complete": page.ListComplete,
			"cursor":        page.Cursor,
		})
		if err != nil {
			return "", err
		}
		return string(data), nil
	}, false); err != nil {
		return fmt.Errorf("registering kv list: %w", err)
	}
	return nil
}

func (e *DevExecutor) registerD1Funcs(vm *quickjs.VM) error {
	if err := registerGoFunc(vm, "__d1_exec", func(binding, sqlStr, paramsJSON string) (string, error) {
		store, ok := e.bindings.D1[binding]
		if !ok {
			return "", fmt.Errorf("d1 binding %q not found", binding)
		}
		var params []any
		if paramsJSON != "" && paramsJSON != "[]" {
			if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
				return "", fmt.Errorf("invalid d1 parameters: %w", err)
			}
		}
		res, err := store.Exec(sqlStr, params)
		if err != nil {
			// Query errors belong to the statement, not the bridge: hand
			// them to JS as data so the factory can reject the right promise.
			data, merr := json.Marshal(map[string]string{"error": err.Error()})
			if merr != nil {
				return "", merr
			}
			return string(data), nil
		}
		data, err := json.Marshal(res)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}, false); err != nil {
		return fmt.Errorf("registering d1 exec: %w", err)
	}

	if err := registerGoFunc(vm, "__d1_batch", func(binding, script string) (string, error) {
		store, ok := e.bindings.D1[binding]
		if !ok {
			return "", fmt.Errorf("d1 binding %q not found", binding)
		}
		start := time.Now()
		results, err := store.ExecBatch(script)
		if err != nil {
			data, merr := json.Marshal(map[string]string{"error": err.Error()})
			if merr != nil {
				return "", merr
			}
			return string(data), nil
		}
		data, err := json.Marshal(map[string]any{
			"count":    len(results),
			"duration": time.Since(start).Milliseconds(),
		})
		if err != nil {
			return "", err
		}
		return string(data), nil
	}, false); err != nil {
		return fmt.Errorf("registering d1 batch: %w", err)
	}
	return nil
}

// devFetch performs an outbound request on behalf of the worker. Bodies are
// carried as text; dev workers calling JSON APIs is the case this serves.
func (e *DevExecutor) devFetch(rawURL, optsJSON string) (string, error) {
	var opts struct {
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	}
	if optsJSON != "" {
		if err := json.Unmarshal([]byte(optsJSON), &opts); err != nil {
			return "", fmt.Errorf("invalid fetch options: %w", err)
		}
	}
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if opts.Body != "" {
		body = strings.NewReader(opts.Body)
	}
	req, err := http.NewRequest(method, rawURL, body)
	if err != nil {
		return "", fmt.Errorf("building outbound request: %w", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	resp, err := e.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading fetch response: %w", err)
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	out, err := json.Marshal(map[string]any{
		"status":     resp.StatusCode,
		"statusText": http.StatusText(resp.StatusCode),
		"headers":    headers,
		"body":       string(data),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// injectDevRequest builds globalThis.__req from a Go request. Header keys
// are lowercased on the way in so worker code sees wire-normal casing.
func injectDevRequest(vm *quickjs.VM, req *WorkerRequest) error {
	lower := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		lower[strings.ToLower(k)] = v
	}
	headersJSON, err := json.Marshal(lower)
	if err != nil {
		return err
	}
	if err := setGlobal(vm, "__tmp_url", req.URL); err != nil {
		return err
	}
	if err := setGlobal(vm, "__tmp_method", req.Method); err != nil {
		return err
	}
	if err := setGlobal(vm, "__tmp_headers_json", string(headersJSON)); err != nil {
		return err
	}
	bodyLine := ""
	if len(req.Body) > 0 {
		if err := setGlobal(vm, "__tmp_body", string(req.Body)); err != nil {
			return err
		}
		bodyLine = "init.body = globalThis.__tmp_body;"
	}
	script := fmt.Sprintf(`(function() {
	var init = {
		method: globalThis.__tmp_method,
		headers: JSON.parse(globalThis.__tmp_headers_json),
	};
	%s
	globalThis.__req = new Request(globalThis.__tmp_url, init);
	delete globalThis.__tmp_url;
	delete globalThis.__tmp_method;
	delete globalThis.__tmp_headers_json;
	delete globalThis.__tmp_body;
})()`, bodyLine)
	return evalDiscard(vm, script)
}

// awaitGlobal settles a possibly-pending Promise stored at the named global,
// replacing it in place with its resolved value. Promise reactions only run
// when the job queue is pumped, so the wait loop interleaves pumping with
// deadline checks.
func awaitGlobal(vm *quickjs.VM, name string, deadline time.Time) error {
	isPromise, err := evalBool(vm, fmt.Sprintf("globalThis.%s instanceof Promise", name))
	if err != nil || !isPromise {
		return nil
	}
	setup := fmt.Sprintf(`
	delete globalThis.__awaited_result;
	delete globalThis.__awaited_state;
	Promise.resolve(globalThis.%s).then(
		function(r) { globalThis.__awaited_result = r; globalThis.__awaited_state = "fulfilled"; },
		function(e) { globalThis.__awaited_result = e; globalThis.__awaited_state = "rejected"; }
	);`, name)
	if err := evalDiscard(vm, setup); err != nil {
		return fmt.Errorf("setting up promise await: %w", err)
	}

	for {
		executePendingJobs(vm)
		state, err := evalString(vm, "String(globalThis.__awaited_state)")
		if err != nil {
			return fmt.Errorf("checking promise state: %w", err)
		}
		if state == "rejected" {
			msg, _ := evalString(vm, "String(globalThis.__awaited_result)")
			_ = evalDiscard(vm, "delete globalThis.__awaited_result; delete globalThis.__awaited_state;")
			return fmt.Errorf("fetch handler rejected: %s", msg)
		}
		if state == "fulfilled" {
			break
		}
		if time.Now().After(deadline) {
			return errors.New("fetch handler promise never settled before the deadline")
		}
		runtime.Gosched()
	}

	return evalDiscard(vm, fmt.Sprintf(
		"globalThis.%s = globalThis.__awaited_result; delete globalThis.__awaited_result; delete globalThis.__awaited_state;", name))
}

// drainWaitUntil lets ctx.waitUntil promises settle before the VM goes back
// to the pool, bounded by the request deadline.
func drainWaitUntil(vm *quickjs.VM, deadline time.Time) {
	err := evalDiscard(vm, `
	if (globalThis.__waitUntilPromises && globalThis.__waitUntilPromises.length > 0) {
		globalThis.__waitUntilSettled = false;
		Promise.allSettled(globalThis.__waitUntilPromises).then(function() {
			globalThis.__waitUntilSettled = true;
		});
		globalThis.__waitUntilPromises = [];
	} else {
		globalThis.__waitUntilSettled = true;
	}`)
	if err != nil {
		return
	}
	for {
		executePendingJobs(vm)
		settled, err := evalBool(vm, "globalThis.__waitUntilSettled === true")
		if err != nil || settled || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	_ = evalDiscard(vm, "delete globalThis.__waitUntilSettled;")
}

// extractDevResponse pulls the settled __result out of the VM as a Go
// response. Binary bodies arrive as one-byte-per-char strings.
func extractDevResponse(vm *quickjs.VM) (*WorkerResponse, error) {
	raw, err := evalString(vm, devExtractResponseJS)
	if err != nil {
		return nil, fmt.Errorf("extracting response: %w", err)
	}
	var out struct {
		Status   int               `json:"status"`
		Headers  map[string]string `json:"headers"`
		Body     string            `json:"body"`
		BodyType string            `json:"bodyType"`
		Error    string            `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parsing response payload: %w", err)
	}
	if out.Error != "" {
		return nil, errors.New(out.Error)
	}
	var body []byte
	if out.BodyType == "bytes" {
		body = make([]byte, 0, len(out.Body))
		for _, r := range out.Body {
			body = append(body, byte(r))
		}
	} else {
		body = []byte(out.Body)
	}
	if out.Headers == nil {
		out.Headers = map[string]string{}
	}
	return &WorkerResponse{StatusCode: out.Status, Headers: out.Headers, Body: body}, nil
}
