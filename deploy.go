package workersdk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// maxAssetSize is the largest single static asset the platform accepts.
	maxAssetSize = 25 << 20 // 25 MB
	// maxAssetCount caps the number of files in one asset directory.
	maxAssetCount = 20000
)

// DeployOptions configures a deploy run.
type DeployOptions struct {
	Config     *ProjectConfig
	ProjectDir string
	Client     *Client
	Reporter   *Reporter
	Message    string
	Minify     bool
	// DryRun bundles and validates but never talks to the API.
	DryRun bool
}

// DeployResult summarizes what a deploy did.
type DeployResult struct {
	Deployment     *Deployment
	ScriptHash     string
	ScriptSize     int
	NodeCompat     CompatFlags
	Handlers       []string
	AssetsUploaded int
	AssetsSkipped  int
	Warnings       []string
}

// Deploy bundles the project, validates the result, syncs static assets, and
// creates a new deployment. Secrets are managed separately and .dev.vars
// never leaves the machine.
func Deploy(ctx context.Context, opts DeployOptions) (*DeployResult, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("deploy: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	compat := cfg.NodeCompatFlags()
	result := &DeployResult{NodeCompat: compat}

	for _, unknown := range cfg.UnknownCompatFlags() {
		result.Warnings = append(result.Warnings, fmt.Sprintf("unknown compatibility flag %q", unknown))
		logger.Warn().Str("flag", unknown).Msg("unknown compatibility flag")
	}

	bundle, err := Bundle(BundleOptions{
		EntryPoint: filepath.Join(opts.ProjectDir, cfg.Main),
		Compat:     compat,
		Minify:     opts.Minify,
		DataDir:    filepath.Join(opts.ProjectDir, DataDir),
	})
	if err != nil {
		return nil, fmt.Errorf("bundling %s: %w", cfg.Main, err)
	}
	result.ScriptHash = bundle.Hash
	result.ScriptSize = len(bundle.Script)
	result.Warnings = append(result.Warnings, bundle.Warnings...)

	check, err := CheckScript(bundle.Script)
	if err != nil {
		return nil, fmt.Errorf("validating %s: %w", cfg.Main, err)
	}
	result.Handlers = check.Handlers

	crons := cfg.CronExpressions()
	if len(crons) > 0 && !check.HasHandler("scheduled") {
		result.Warnings = append(result.Warnings,
			"cron triggers are configured but the worker has no scheduled handler")
	}

	var assets []AssetFile
	if cfg.Assets.Directory != "" {
		assets, err = CollectAssets(filepath.Join(opts.ProjectDir, cfg.Assets.Directory), cfg.Assets.Ignore)
		if err != nil {
			return nil, err
		}
	}

	if opts.DryRun {
		logger.Info().Str("hash", shortHash(bundle.Hash)).Int("size", len(bundle.Script)).
			Int("assets", len(assets)).Msg("dry run complete")
		return result, nil
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("deploy: not authenticated (set %s and %s)", EnvAccountID, EnvAPIToken)
	}

	d1Bindings, err := resolveD1Bindings(ctx, opts.Client, cfg)
	if err != nil {
		return nil, err
	}

	if len(assets) > 0 {
		uploaded, skipped, err := syncAssets(ctx, opts.Client, cfg.Name,
			filepath.Join(opts.ProjectDir, cfg.Assets.Directory), assets)
		if err != nil {
			return nil, err
		}
		result.AssetsUploaded = uploaded
		result.AssetsSkipped = skipped
	}

	req := &DeployRequest{
		Script:             bundle.Script,
		DeployKey:          bundle.Hash,
		CompatibilityDate:  cfg.CompatibilityDate,
		CompatibilityFlags: cfg.CompatibilityFlags,
		NodeMode:           compat.Mode.String(),
		NodeModules:        bundle.NodeModules,
		Vars:               cfg.Vars,
		KVBindings:         kvBindings(cfg),
		D1Bindings:         d1Bindings,
		R2Bindings:         r2Bindings(cfg),
		QueueBindings:      queueBindings(cfg),
		DOBindings:         doBindings(cfg),
		Crons:              crons,
		Routes:             cfg.Routes,
		CPULimitMs:         cfg.Limits.CPUMs,
		AssetManifest:      assets,
		Message:            opts.Message,
	}
	deployment, err := opts.Client.CreateDeploy(ctx, cfg.Name, req)
	if err != nil {
		return nil, fmt.Errorf("creating deployment: %w", err)
	}
	result.Deployment = deployment

	logger.Info().Str("script", cfg.Name).Str("deploy", deployment.ID).
		Str("node_mode", compat.Mode.String()).Msg("deployed")

	opts.Reporter.Record("deploy", map[string]string{
		"node_mode": compat.Mode.String(),
		"assets":    fmt.Sprintf("%t", len(assets) > 0),
	})
	return result, nil
}

func kvBindings(cfg *ProjectConfig) map[string]string {
	if len(cfg.KVNamespaces) == 0 {
		return nil
	}
	out := make(map[string]string, len(cfg.KVNamespaces))
	for _, ns := range cfg.KVNamespaces {
		out[ns.Binding] = ns.ID
	}
	return out
}

func r2Bindings(cfg *ProjectConfig) map[string]string {
	if len(cfg.R2Buckets) == 0 {
		return nil
	}
	out := make(map[string]string, len(cfg.R2Buckets))
	for _, b := range cfg.R2Buckets {
		out[b.Binding] = b.BucketName
	}
	return out
}

func queueBindings(cfg *ProjectConfig) map[string]string {
	if len(cfg.Queues.Producers) == 0 {
		return nil
	}
	out := make(map[string]string, len(cfg.Queues.Producers))
	for _, q := range cfg.Queues.Producers {
		out[q.Binding] = q.Queue
	}
	return out
}

func doBindings(cfg *ProjectConfig) map[string]string {
	if len(cfg.DurableObjects) == 0 {
		return nil
	}
	out := make(map[string]string, len(cfg.DurableObjects))
	for _, do := range cfg.DurableObjects {
		out[do.Binding] = do.ClassName
	}
	return out
}

// resolveD1Bindings maps each D1 binding to a database UUID, looking up by
// name when the config does not pin an ID.
func resolveD1Bindings(ctx context.Context, client *Client, cfg *ProjectConfig) (map[string]string, error) {
	if len(cfg.D1Databases) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(cfg.D1Databases))
	for _, db := range cfg.D1Databases {
		id := db.DatabaseID
		if id == "" {
			info, err := client.D1DatabaseFromName(ctx, db.DatabaseName)
			if err != nil {
				return nil, fmt.Errorf("resolving d1 database %q for binding %s: %w (create it with `workerctl d1 create %s`)",
					db.DatabaseName, db.Binding, err, db.DatabaseName)
			}
			id = info.UUID
		}
		out[db.Binding] = id
	}
	return out, nil
}

// CollectAssets walks an asset directory and builds the upload manifest.
// Paths use forward slashes relative to dir; ignore patterns follow
// gitignore-style globs (** supported) matched against those paths.
func CollectAssets(dir string, ignore []string) ([]AssetFile, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("asset directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("asset path %s is not a directory", dir)
	}

	var files []AssetFile
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range ignore {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				return nil
			}
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading asset %s: %w", rel, err)
		}
		if len(data) > maxAssetSize {
			return fmt.Errorf("asset %s is %d bytes; the limit is %d", rel, len(data), maxAssetSize)
		}
		sum := sha256.Sum256(data)
		files = append(files, AssetFile{
			Path: rel,
			Hash: hex.EncodeToString(sum[:]),
			Size: int64(len(data)),
		})
		if len(files) > maxAssetCount {
			return fmt.Errorf("asset directory has more than %d files", maxAssetCount)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// syncAssets uploads assets whose hash differs from what the platform
// already has, skipping the rest.
func syncAssets(ctx context.Context, client *Client, script, dir string, assets []AssetFile) (uploaded, skipped int, err error) {
	remote, err := client.ListAssets(ctx, script)
	if err != nil {
		return 0, 0, fmt.Errorf("listing remote assets: %w", err)
	}
	remoteHashes := make(map[string]string, len(remote))
	for _, f := range remote {
		remoteHashes[f.Path] = f.Hash
	}

	for _, f := range assets {
		if remoteHashes[f.Path] == f.Hash {
			skipped++
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f.Path)))
		if err != nil {
			return uploaded, skipped, fmt.Errorf("reading asset %s: %w", f.Path, err)
		}
		if err := client.UploadAsset(ctx, script, f, content); err != nil {
			return uploaded, skipped, err
		}
		uploaded++
		logger.Debug().Str("path", f.Path).Msg("uploaded asset")
	}
	logger.Info().Int("uploaded", uploaded).Int("skipped", skipped).Msg("assets synced")
	return uploaded, skipped, nil
}

// shortHash trims a content hash for log lines.
func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// Rollback re-activates an earlier deployment of the configured script.
func Rollback(ctx context.Context, client *Client, reporter *Reporter, script, deployID, message string) (*Deployment, error) {
	d, err := client.RollbackDeploy(ctx, script, deployID, message)
	if err != nil {
		return nil, fmt.Errorf("rolling back %s to %s: %w", script, deployID, err)
	}
	logger.Info().Str("script", script).Str("deploy", d.ID).Msg("rolled back")
	reporter.Record("rollback", nil)
	return d, nil
}

// FindDeployment resolves a deploy reference that may be a full ID or a
// unique prefix against the script's history.
func FindDeployment(ctx context.Context, client *Client, script, ref string) (*Deployment, error) {
	deploys, err := client.ListDeploys(ctx, script)
	if err != nil {
		return nil, err
	}
	var match *Deployment
	for i := range deploys {
		if deploys[i].ID == ref {
			return &deploys[i], nil
		}
		if strings.HasPrefix(deploys[i].ID, ref) {
			if match != nil {
				return nil, fmt.Errorf("deploy reference %q is ambiguous", ref)
			}
			match = &deploys[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: deployment %q", ErrNotFound, ref)
	}
	return match, nil
}
