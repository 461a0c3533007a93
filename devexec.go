package workersdk

import (
	"fmt"
)

// DevBindings is the live binding set a dev executor hands to worker code:
// plain vars and .dev.vars secrets as strings, KV namespaces and D1 databases
// backed by local SQLite stores, and everything else recorded as unsupported
// so that touching it from JS raises a clear error instead of a silent nil.
type DevBindings struct {
	Vars    map[string]string
	Secrets map[string]string
	KV      map[string]*LocalKV
	D1      map[string]*LocalD1
	// Unsupported maps binding names to a human-readable kind ("r2 bucket",
	// "queue", "durable object") for bindings that have no local backend.
	Unsupported map[string]string
}

// NewDevBindings opens local stores for every binding in the config. KV
// namespaces and D1 databases become SQLite files under dataDir; devVars
// (from .dev.vars) stand in for deployed secrets. R2 buckets, queues, and
// durable objects get no local backend and are recorded as unsupported.
func NewDevBindings(cfg *ProjectConfig, devVars map[string]string, dataDir string) (*DevBindings, error) {
	b := &DevBindings{
		Vars:        cfg.Vars,
		Secrets:     devVars,
		KV:          make(map[string]*LocalKV),
		D1:          make(map[string]*LocalD1),
		Unsupported: make(map[string]string),
	}

	for _, ns := range cfg.KVNamespaces {
		name := ns.ID
		if name == "" {
			name = ns.Binding
		}
		store, err := OpenLocalKV(dataDir, name)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("opening local kv store for %s: %w", ns.Binding, err)
		}
		b.KV[ns.Binding] = store
	}

	for _, db := range cfg.D1Databases {
		name := db.DatabaseName
		if name == "" {
			name = db.DatabaseID
		}
		store, err := OpenLocalD1(dataDir, name)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("opening local d1 database for %s: %w", db.Binding, err)
		}
		b.D1[db.Binding] = store
	}

	for _, r2 := range cfg.R2Buckets {
		b.Unsupported[r2.Binding] = "r2 bucket"
	}
	for _, q := range cfg.Queues.Producers {
		b.Unsupported[q.Binding] = "queue"
	}
	for _, do := range cfg.DurableObjects {
		b.Unsupported[do.Binding] = "durable object"
	}

	return b, nil
}

// Close closes every local store. Safe to call on a partially opened set.
func (b *DevBindings) Close() {
	for _, store := range b.KV {
		_ = store.Close()
	}
	for _, store := range b.D1 {
		_ = store.Close()
	}
}

// devPreludeJS is the runtime surface dev workers script against: console
// wired to Go log capture, Headers/Request/Response, URL and URLSearchParams,
// crypto IDs, a text-mode fetch, and the binding factories __makeKV,
// __makeD1, and __makeUnsupported. Timers collapse to microtasks; a dev
// request runs start to finish on one VM with no event loop behind it.
const devPreludeJS = `
(function() {
	function fmtArg(a) {
		if (a === undefined) return "undefined";
		if (a === null) return "null";
		if (a instanceof Error) return String(a.stack || a);
		if (typeof a === "object") {
			try { return JSON.stringify(a); } catch (e) { return String(a); }
		}
		return String(a);
	}
	function makeLevel(level) {
		return function() {
			var parts = [];
			for (var i = 0; i < arguments.length; i++) parts.push(fmtArg(arguments[i]));
			__console_log(level, parts.join(" "));
		};
	}
	globalThis.console = {
		log: makeLevel("log"),
		info: makeLevel("info"),
		warn: makeLevel("warn"),
		error: makeLevel("error"),
		debug: makeLevel("debug"),
	};
})();

globalThis.setTimeout = function(fn) { Promise.resolve().then(function() { fn(); }); return 0; };
globalThis.setInterval = function() { return 0; };
globalThis.clearTimeout = function() {};
globalThis.clearInterval = function() {};
globalThis.queueMicrotask = function(fn) { Promise.resolve().then(fn); };

globalThis.crypto = {
	randomUUID: function() { return __dev_uuid(); },
	getRandomValues: function(arr) {
		var hex = __dev_random_hex(arr.length);
		for (var i = 0; i < arr.length; i++) {
			arr[i] = parseInt(hex.substr(i * 2, 2), 16);
		}
		return arr;
	},
};

globalThis.Headers = function(init) {
	this._map = {};
	if (init instanceof Headers) {
		for (var k in init._map) this._map[k] = init._map[k];
	} else if (init) {
		for (var k in init) {
			if (Object.prototype.hasOwnProperty.call(init, k)) {
				this._map[String(k).toLowerCase()] = String(init[k]);
			}
		}
	}
};
Headers.prototype.get = function(name) {
	var v = this._map[String(name).toLowerCase()];
	return v === undefined ? null : v;
};
Headers.prototype.set = function(name, value) {
	this._map[String(name).toLowerCase()] = String(value);
};
Headers.prototype.append = function(name, value) {
	var key = String(name).toLowerCase();
	this._map[key] = this._map[key] === undefined ? String(value) : this._map[key] + ", " + String(value);
};
Headers.prototype.has = function(name) { return this._map[String(name).toLowerCase()] !== undefined; };
Headers.prototype.delete = function(name) { delete this._map[String(name).toLowerCase()]; };
Headers.prototype.forEach = function(fn) { for (var k in this._map) fn(this._map[k], k, this); };

globalThis.Request = function(url, init) {
	init = init || {};
	this.url = String(url);
	this.method = String(init.method || "GET").toUpperCase();
	this.headers = init.headers instanceof Headers ? init.headers : new Headers(init.headers);
	this._body = init.body === undefined ? null : init.body;
};
Request.prototype.text = function() {
	return Promise.resolve(this._body === null ? "" : String(this._body));
};
Request.prototype.json = function() {
	var body = this._body;
	return new Promise(function(resolve, reject) {
		try { resolve(JSON.parse(String(body))); } catch (e) { reject(e); }
	});
};

globalThis.Response = function(body, init) {
	init = init || {};
	this.status = init.status === undefined ? 200 : init.status | 0;
	this.statusText = init.statusText || "";
	this.ok = this.status >= 200 && this.status < 300;
	this.headers = init.headers instanceof Headers ? init.headers : new Headers(init.headers);
	this._body = body === undefined ? null : body;
};
Response.prototype.text = function() {
	return Promise.resolve(this._body === null ? "" : String(this._body));
};
Response.prototype.json = function() {
	var body = this._body;
	return new Promise(function(resolve, reject) {
		try { resolve(JSON.parse(String(body))); } catch (e) { reject(e); }
	});
};
Response.json = function(value, init) {
	init = init || {};
	var headers = init.headers instanceof Headers ? init.headers : new Headers(init.headers);
	if (!headers.has("content-type")) headers.set("content-type", "application/json");
	return new Response(JSON.stringify(value), { status: init.status || 200, statusText: init.statusText || "", headers: headers });
};
Response.redirect = function(url, status) {
	return new Response(null, { status: status || 302, headers: new Headers({ location: String(url) }) });
};

globalThis.URLSearchParams = function(init) {
	this._pairs = [];
	if (typeof init === "string") {
		var qs = init.charAt(0) === "?" ? init.slice(1) : init;
		if (qs.length > 0) {
			var parts = qs.split("&");
			for (var i = 0; i < parts.length; i++) {
				if (parts[i] === "") continue;
				var eq = parts[i].indexOf("=");
				var k = eq === -1 ? parts[i] : parts[i].slice(0, eq);
				var v = eq === -1 ? "" : parts[i].slice(eq + 1);
				this._pairs.push([decodeURIComponent(k.replace(/\+/g, " ")), decodeURIComponent(v.replace(/\+/g, " "))]);
			}
		}
	} else if (init && typeof init === "object") {
		for (var key in init) {
			if (Object.prototype.hasOwnProperty.call(init, key)) this._pairs.push([String(key), String(init[key])]);
		}
	}
};
URLSearchParams.prototype.get = function(name) {
	for (var i = 0; i < this._pairs.length; i++) {
		if (this._pairs[i][0] === name) return this._pairs[i][1];
	}
	return null;
};
URLSearchParams.prototype.getAll = function(name) {
	var out = [];
	for (var i = 0; i < this._pairs.length; i++) {
		if (this._pairs[i][0] === name) out.push(this._pairs[i][1]);
	}
	return out;
};
URLSearchParams.prototype.has = function(name) { return this.get(name) !== null; };
URLSearchParams.prototype.set = function(name, value) {
	this.delete(name);
	this._pairs.push([String(name), String(value)]);
};
URLSearchParams.prototype.append = function(name, value) { this._pairs.push([String(name), String(value)]); };
URLSearchParams.prototype.delete = function(name) {
	this._pairs = this._pairs.filter(function(p) { return p[0] !== name; });
};
URLSearchParams.prototype.forEach = function(fn) {
	for (var i = 0; i < this._pairs.length; i++) fn(this._pairs[i][1], this._pairs[i][0], this);
};
URLSearchParams.prototype.toString = function() {
	return this._pairs.map(function(p) {
		return encodeURIComponent(p[0]) + "=" + encodeURIComponent(p[1]);
	}).join("&");
};

globalThis.URL = function(url, base) {
	var input = String(url);
	if (!/^[a-zA-Z][a-zA-Z0-9+.\-]*:\/\//.test(input)) {
		if (base === undefined) throw new TypeError("Invalid URL: " + input);
		var b = base instanceof URL ? base : new URL(String(base));
		if (input.charAt(0) === "/") {
			input = b.origin + input;
		} else {
			input = b.origin + b.pathname.slice(0, b.pathname.lastIndexOf("/") + 1) + input;
		}
	}
	var m = /^([a-zA-Z][a-zA-Z0-9+.\-]*):\/\/([^\/?#]*)([^?#]*)(\?[^#]*)?(#.*)?$/.exec(input);
	if (!m) throw new TypeError("Invalid URL: " + input);
	this.protocol = m[1].toLowerCase() + ":";
	this.host = m[2];
	var colon = m[2].lastIndexOf(":");
	if (colon !== -1 && /^\d+$/.test(m[2].slice(colon + 1))) {
		this.hostname = m[2].slice(0, colon);
		this.port = m[2].slice(colon + 1);
	} else {
		this.hostname = m[2];
		this.port = "";
	}
	this.pathname = m[3] || "/";
	this.search = m[4] || "";
	this.hash = m[5] || "";
	this.origin = this.protocol + "//" + this.host;
	this.href = this.origin + this.pathname + this.search + this.hash;
	this.searchParams = new URLSearchParams(this.search);
};
URL.prototype.toString = function() { return this.href; };

globalThis.fetch = function(input, init) {
	return new Promise(function(resolve, reject) {
		try {
			var url = input instanceof Request ? input.url : String(input);
			var opts = { method: "GET", headers: {}, body: "" };
			if (input instanceof Request) {
				opts.method = input.method;
				for (var k in input.headers._map) opts.headers[k] = input.headers._map[k];
				if (typeof input._body === "string") opts.body = input._body;
			}
			if (init) {
				if (init.method) opts.method = String(init.method).toUpperCase();
				if (init.headers) {
					var h = init.headers instanceof Headers ? init.headers._map : init.headers;
					for (var k in h) opts.headers[String(k).toLowerCase()] = String(h[k]);
				}
				if (init.body !== undefined && init.body !== null) opts.body = String(init.body);
			}
			var raw = JSON.parse(__dev_fetch(url, JSON.stringify(opts)));
			resolve(new Response(raw.body, { status: raw.status, statusText: raw.statusText, headers: raw.headers }));
		} catch (e) { reject(e); }
	});
};

globalThis.__makeKV = function(binding) {
	function decode(val, type) {
		if (type === "json") return JSON.parse(val);
		if (type === "text" || type === undefined) return val;
		throw new Error('kv get type "' + type + '" is not supported in local dev (use "text" or "json")');
	}
	function getType(opts) {
		if (typeof opts === "string") return opts;
		return (opts && opts.type) || "text";
	}
	return {
		get: function(key, opts) {
			var type = getType(opts);
			return new Promise(function(resolve, reject) {
				try {
					var raw = __kv_get(binding, String(key));
					if (raw === "null") { resolve(null); return; }
					resolve(decode(JSON.parse(raw).value, type));
				} catch (e) { reject(e); }
			});
		},
		getWithMetadata: function(key, opts) {
			var type = getType(opts);
			return new Promise(function(resolve, reject) {
				try {
					var result = JSON.parse(__kv_get_with_metadata(binding, String(key)));
					if (result.value === null || result.value === undefined) {
						resolve({ value: null, metadata: null });
						return;
					}
					resolve({ value: decode(result.value, type), metadata: result.metadata });
				} catch (e) { reject(e); }
			});
		},
		put: function(key, value, opts) {
			return new Promise(function(resolve, reject) {
				try {
					var valueStr = typeof value === "string" ? value : JSON.stringify(value);
					var optsJSON = "{}";
					if (opts) {
						optsJSON = JSON.stringify({
							metadata: opts.metadata !== undefined ? JSON.stringify(opts.metadata) : null,
							expirationTtl: opts.expirationTtl || null,
						});
					}
					__kv_put(binding, String(key), valueStr, optsJSON);
					resolve(undefined);
				} catch (e) { reject(e); }
			});
		},
		delete: function(key) {
			return new Promise(function(resolve, reject) {
				try { __kv_delete(binding, String(key)); resolve(undefined); } catch (e) { reject(e); }
			});
		},
		list: function(opts) {
			return new Promise(function(resolve, reject) {
				try {
					var optsJSON = "{}";
					if (opts) {
						optsJSON = JSON.stringify({
							prefix: opts.prefix || "",
							limit: opts.limit || 0,
							cursor: opts.cursor || "",
						});
					}
					resolve(JSON.parse(__kv_list(binding, optsJSON)));
				} catch (e) { reject(e); }
			});
		},
	};
};

globalThis.__makeD1 = function(binding) {
	function exec(sql, params) {
		var result = JSON.parse(__d1_exec(binding, sql, JSON.stringify(params || [])));
		if (result.error) throw new Error(result.error);
		return result;
	}
	function toPage(r) {
		return { results: r.results || [], success: true, meta: r.meta || {} };
	}
	function makeStmt(sql, params) {
		return {
			_sql: sql,
			_params: params,
			bind: function() { return makeStmt(sql, Array.prototype.slice.call(arguments)); },
			all: function() {
				var self = this;
				return new Promise(function(resolve, reject) {
					try { resolve(toPage(exec(self._sql, self._params))); } catch (e) { reject(e); }
				});
			},
			first: function(column) {
				var self = this;
				return new Promise(function(resolve, reject) {
					try {
						var rows = exec(self._sql, self._params).results || [];
						if (rows.length === 0) { resolve(null); return; }
						if (column === undefined || column === null) { resolve(rows[0]); return; }
						resolve(rows[0][column] === undefined ? null : rows[0][column]);
					} catch (e) { reject(e); }
				});
			},
			run: function() {
				var self = this;
				return new Promise(function(resolve, reject) {
					try { resolve(toPage(exec(self._sql, self._params))); } catch (e) { reject(e); }
				});
			},
		};
	}
	return {
		prepare: function(sql) { return makeStmt(String(sql), []); },
		batch: function(stmts) {
			return new Promise(function(resolve, reject) {
				try {
					var out = [];
					for (var i = 0; i < stmts.length; i++) {
						out.push(toPage(exec(stmts[i]._sql, stmts[i]._params)));
					}
					resolve(out);
				} catch (e) { reject(e); }
			});
		},
		exec: function(script) {
			return new Promise(function(resolve, reject) {
				try {
					var r = JSON.parse(__d1_batch(binding, String(script)));
					if (r.error) { reject(new Error(r.error)); return; }
					resolve({ count: r.count, duration: r.duration });
				} catch (e) { reject(e); }
			});
		},
	};
};

globalThis.__makeUnsupported = function(binding, kind) {
	return new Proxy({}, {
		get: function(target, prop) {
			if (typeof prop === "symbol" || prop === "toString") {
				return function() { return "[unavailable " + kind + " " + binding + "]"; };
			}
			throw new Error(kind + ' binding "' + binding + '" is not available in local dev');
		},
	});
};
`

// devExecContextJS resets the per-request execution context object.
const devExecContextJS = `
globalThis.__waitUntilPromises = [];
globalThis.__ctx = {
	waitUntil: function(promise) { globalThis.__waitUntilPromises.push(Promise.resolve(promise)); },
	passThroughOnException: function() {},
};
`

// devCallFetchJS invokes the module fetch handler with the prepared request,
// env, and context. Its value (usually a pending Promise) is captured by the
// caller.
const devCallFetchJS = `
(function() {
	var mod = globalThis.__worker_module__;
	if (!mod || typeof mod.fetch !== "function") {
		throw new Error("worker module has no fetch handler");
	}
	return mod.fetch(globalThis.__req, globalThis.__env, globalThis.__ctx);
})()
`

// devExtractResponseJS serializes the settled __result into one JSON blob.
// Binary bodies travel as one-byte-per-char strings so the Go side can
// reconstruct them exactly.
const devExtractResponseJS = `
(function() {
	var r = globalThis.__result;
	delete globalThis.__result;
	if (!r || typeof r.status !== "number") {
		return JSON.stringify({ error: "fetch handler did not return a Response" });
	}
	var headers = {};
	if (r.headers && r.headers._map) {
		for (var k in r.headers._map) headers[k] = r.headers._map[k];
	}
	var body = "";
	var bodyType = "text";
	var b = r._body;
	if (b !== null && b !== undefined) {
		if (typeof b === "string") {
			body = b;
		} else if (b instanceof ArrayBuffer || ArrayBuffer.isView(b)) {
			var view = b instanceof ArrayBuffer ? new Uint8Array(b) : new Uint8Array(b.buffer, b.byteOffset, b.byteLength);
			var parts = [];
			for (var i = 0; i < view.length; i += 8192) {
				parts.push(String.fromCharCode.apply(null, view.subarray(i, Math.min(i + 8192, view.length))));
			}
			body = parts.join("");
			bodyType = "bytes";
		} else {
			body = String(b);
		}
	}
	return JSON.stringify({ status: r.status, headers: headers, body: body, bodyType: bodyType });
})()
`

// devCleanupJS clears per-request globals before a VM goes back to the pool.
// __env stays: bindings are fixed for the executor's lifetime.
const devCleanupJS = `
(function() {
	var names = ["__req", "__ctx", "__result", "__call_result", "__awaited_result", "__awaited_state", "__waitUntilPromises", "__waitUntilSettled"];
	for (var i = 0; i < names.length; i++) {
		try { delete globalThis[names[i]]; } catch (e) {}
	}
	var all = Object.getOwnPropertyNames(globalThis);
	for (var i = 0; i < all.length; i++) {
		if (all[i].indexOf("__tmp_") === 0) {
			try { delete globalThis[all[i]]; } catch (e) {}
		}
	}
})()
`
