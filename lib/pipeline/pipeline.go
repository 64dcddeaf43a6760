// Package pipeline wires together the cache, registry client, and image
// model into the build's dependency-ordered step graph: base-manifest pull,
// base-layer pulls, application-layer construction, blob checks/pushes, and
// the final manifest push, all running with as much concurrency as their
// data dependencies allow.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/strataimg/strata/lib/buildconfig"
	"github.com/strataimg/strata/lib/cache"
	"github.com/strataimg/strata/lib/credential"
	"github.com/strataimg/strata/lib/digest"
	"github.com/strataimg/strata/lib/image"
	"github.com/strataimg/strata/lib/imagejson"
	"github.com/strataimg/strata/lib/metrics"
	"github.com/strataimg/strata/lib/registry"
	"github.com/strataimg/strata/lib/tarbuilder"
	"github.com/strataimg/strata/lib/timing"
)

// Pipeline holds everything a build's step graph needs: the configuration,
// the two composed caches (shared base + per-project application), and the
// registry clients for the base and target repositories.
type Pipeline struct {
	Config     *buildconfig.BuildConfiguration
	BaseCache  *cache.Cache
	AppCache   *cache.Cache
	PullClient *registry.Client
	PushClient *registry.Client
	Metrics    *metrics.Metrics
}

// New constructs a Pipeline, wiring a shared credential helper (if
// configured) into registry clients scoped to the base and target
// repositories respectively.
func New(cfg *buildconfig.BuildConfiguration, baseCache, appCache *cache.Cache, m *metrics.Metrics) *Pipeline {
	var creds registry.CredentialGetter
	if cfg.CredentialHelperName != "" {
		creds = credential.New(cfg.CredentialHelperName)
	}

	newClient := func(ref buildconfig.ImageRef) *registry.Client {
		return registry.New(registry.Options{
			ServerURL:     ref.ServerURL,
			ImageName:     ref.Name,
			Credentials:   creds,
			AllowInsecure: cfg.AllowInsecureRegistries,
		})
	}

	return &Pipeline{
		Config:     cfg,
		BaseCache:  baseCache,
		AppCache:   appCache,
		PullClient: newClient(cfg.BaseImage),
		PushClient: newClient(cfg.TargetImage),
		Metrics:    m,
	}
}

// Result is the outcome of a successful build.
type Result struct {
	TargetDigest digest.Digest
}

// baseManifestResult is PullBaseManifest's output: the base image translated
// into the in-memory model, plus which wire schema it was pulled as.
type baseManifestResult struct {
	Image  *image.Image
	Schema imagejson.Schema
}

// run holds the future handles for one Pipeline.Run invocation. Each field
// has exactly one producer step and any number of consumer steps.
type run struct {
	p   *Pipeline
	sem *semaphore.Weighted

	pullAuth     *future[*credential.Credential]
	pushAuth     *future[*credential.Credential]
	baseManifest *future[*baseManifestResult]
	baseLayers   *future[[]*cache.CachedLayer]
	deps         *future[*cache.CachedLayer]
	resources    *future[*cache.CachedLayer]
	classes      *future[*cache.CachedLayer]
	img          *future[*image.Image]
	configDesc   *future[digest.BlobDescriptor]
	blobsPushed  *future[bool]
	manifestDig  *future[digest.Digest]
}

// Run executes the full step graph and returns the pushed manifest's digest.
// On the first non-retriable step error, the errgroup cancels the shared
// context; steps already in flight are asked to abandon their work (any
// partial cache writes are discarded by the writers they were using), and
// the first error is what Run returns.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	ctx, finish := timing.Start(ctx, "pipeline")
	defer finish()

	r := &run{
		p:            p,
		sem:          semaphore.NewWeighted(int64(max(1, runtime.NumCPU()))),
		pullAuth:     newFuture[*credential.Credential](),
		pushAuth:     newFuture[*credential.Credential](),
		baseManifest: newFuture[*baseManifestResult](),
		baseLayers:   newFuture[[]*cache.CachedLayer](),
		deps:         newFuture[*cache.CachedLayer](),
		resources:    newFuture[*cache.CachedLayer](),
		classes:      newFuture[*cache.CachedLayer](),
		img:          newFuture[*image.Image](),
		configDesc:   newFuture[digest.BlobDescriptor](),
		blobsPushed:  newFuture[bool](),
		manifestDig:  newFuture[digest.Digest](),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.authenticate(ctx, "pull", p.Config.BaseImage.ServerURL, r.pullAuth) })
	g.Go(func() error { return r.authenticate(ctx, "push", p.Config.TargetImage.ServerURL, r.pushAuth) })
	g.Go(func() error { return r.pullBaseManifest(ctx) })
	g.Go(func() error { return r.pullBaseLayers(ctx) })
	g.Go(func() error { return r.buildApplicationLayer(ctx, cache.KindDependencies, p.Config.Dependencies, r.deps) })
	g.Go(func() error { return r.buildApplicationLayer(ctx, cache.KindResources, p.Config.Resources, r.resources) })
	g.Go(func() error { return r.buildApplicationLayer(ctx, cache.KindClasses, p.Config.Classes, r.classes) })
	g.Go(func() error { return r.buildImage(ctx) })
	g.Go(func() error { return r.pushContainerConfiguration(ctx) })
	g.Go(func() error { return r.checkAndPushAllBlobs(ctx) })
	g.Go(func() error { return r.pushManifest(ctx) })

	if err := g.Wait(); err != nil {
		return nil, err
	}

	d, err := r.manifestDig.result()
	if err != nil {
		return nil, err
	}
	return &Result{TargetDigest: d}, nil
}

func (r *run) authenticate(ctx context.Context, label, serverURL string, fut *future[*credential.Credential]) error {
	ctx, finish := timing.Start(ctx, "authenticate-"+label)
	defer finish()

	if r.p.Config.CredentialHelperName == "" {
		fut.resolve(nil, nil)
		return nil
	}

	h := credential.New(r.p.Config.CredentialHelperName)
	cred, ok, err := h.Resolve(ctx, serverURL)
	if err != nil {
		fut.resolve(nil, err)
		return err
	}
	if !ok {
		fut.resolve(nil, nil)
		return nil
	}
	fut.resolve(&cred, nil)
	return nil
}

func (r *run) pullBaseManifest(ctx context.Context) error {
	ctx, finish := timing.Start(ctx, "pull-base-manifest")
	defer finish()

	if _, err := r.pullAuth.get(ctx); err != nil {
		r.baseManifest.resolve(nil, err)
		return err
	}

	raw, err := withSem(ctx, r.sem, func() ([]byte, error) {
		return r.p.PullClient.PullManifest(ctx, r.p.Config.BaseImage.Tag)
	})
	if err != nil {
		r.baseManifest.resolve(nil, err)
		return err
	}

	schema, err := imagejson.SniffSchema(raw)
	if err != nil {
		r.baseManifest.resolve(nil, err)
		return err
	}

	img, err := r.translateBaseManifest(ctx, schema, raw)
	if err != nil {
		r.baseManifest.resolve(nil, err)
		return err
	}

	r.baseManifest.resolve(&baseManifestResult{Image: img, Schema: schema}, nil)
	return nil
}

func (r *run) translateBaseManifest(ctx context.Context, schema imagejson.Schema, raw []byte) (*image.Image, error) {
	if schema == imagejson.SchemaV21 {
		var m imagejson.V21Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse v2.1 base manifest: %w", err)
		}
		return imagejson.FromV21(&m)
	}

	var m imagejson.V22Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse base manifest: %w", err)
	}
	configDigest, err := digest.FromDigest(m.Config.Digest)
	if err != nil {
		return nil, fmt.Errorf("base manifest config digest: %w", err)
	}

	var cfgBuf bytes.Buffer
	if err := r.p.PullClient.PullBlob(ctx, configDigest, &cfgBuf); err != nil {
		return nil, fmt.Errorf("pull base container config: %w", err)
	}
	var cfg imagejson.ContainerConfig
	if err := json.Unmarshal(cfgBuf.Bytes(), &cfg); err != nil {
		return nil, fmt.Errorf("parse base container config: %w", err)
	}
	return imagejson.FromV22(&m, &cfg)
}

func (r *run) pullBaseLayers(ctx context.Context) error {
	ctx, finish := timing.Start(ctx, "pull-base-layers")
	defer finish()

	bm, err := r.baseManifest.get(ctx)
	if err != nil {
		r.baseLayers.resolve(nil, err)
		return err
	}

	layers := bm.Image.Layers()
	results := make([]*cache.CachedLayer, len(layers))

	inner, innerCtx := errgroup.WithContext(ctx)
	for i, l := range layers {
		i, l := i, l
		inner.Go(func() error {
			cl, err := r.pullAndCacheBaseLayer(innerCtx, l)
			if err != nil {
				return err
			}
			results[i] = cl
			return nil
		})
	}
	if err := inner.Wait(); err != nil {
		r.baseLayers.resolve(nil, err)
		return err
	}

	r.baseLayers.resolve(results, nil)
	return nil
}

func (r *run) pullAndCacheBaseLayer(ctx context.Context, l image.Layer) (*cache.CachedLayer, error) {
	ctx, finish := timing.Start(ctx, "pull-base-layer")
	defer finish()

	d := l.CompressedDigest()
	if cl, ok := r.p.BaseCache.GetBaseLayer(d); ok {
		r.recordCacheLookup(ctx, string(cache.KindBase), true)
		return cl, nil
	}
	r.recordCacheLookup(ctx, string(cache.KindBase), false)

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(r.p.PullClient.PullBlob(ctx, d, pw))
	}()

	cl, err := r.p.BaseCache.WriteCompressed(pr, r.p.Config.BaseImage.String())
	if err != nil {
		return nil, fmt.Errorf("cache base layer %s: %w", d, err)
	}
	return cl, nil
}

func (r *run) buildApplicationLayer(ctx context.Context, kind cache.Kind, files []buildconfig.SourceFile, fut *future[*cache.CachedLayer]) error {
	ctx, finish := timing.Start(ctx, "build-application-layer-"+strings.ToLower(string(kind)))
	defer finish()

	stats := make([]cache.SourceFileStat, 0, len(files))
	destinations := make([]string, 0, len(files))
	for _, f := range files {
		info, err := os.Stat(f.SourcePath)
		if err != nil {
			fut.resolve(nil, fmt.Errorf("stat %s: %w", f.SourcePath, err))
			return err
		}
		stats = append(stats, cache.SourceFileStat{Path: f.Destination, Size: info.Size(), ModTime: info.ModTime().Unix()})
		destinations = append(destinations, f.Destination)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Path < stats[j].Path })
	fingerprint := cache.Fingerprint(stats)

	if cl, ok := r.p.AppCache.GetApplicationLayer(kind, destinations, fingerprint); ok {
		r.recordCacheLookup(ctx, string(kind), true)
		fut.resolve(cl, nil)
		return nil
	}
	r.recordCacheLookup(ctx, string(kind), false)

	if err := r.sem.Acquire(ctx, 1); err != nil {
		fut.resolve(nil, err)
		return err
	}
	defer r.sem.Release(1)

	builder := tarbuilder.New()
	for _, f := range files {
		builder.AddFile(f.SourcePath, strings.TrimPrefix(f.Destination, "/"))
	}

	cl, err := r.p.AppCache.WriteFromTar(kind, destinations, fingerprint, builder.ToBlob())
	if err != nil {
		fut.resolve(nil, fmt.Errorf("build %s layer: %w", kind, err))
		return err
	}
	fut.resolve(cl, nil)
	return nil
}

func (r *run) buildImage(ctx context.Context) error {
	ctx, finish := timing.Start(ctx, "build-image")
	defer finish()

	bm, err := r.baseManifest.get(ctx)
	if err != nil {
		r.img.resolve(nil, err)
		return err
	}
	baseLayers, err := r.baseLayers.get(ctx)
	if err != nil {
		r.img.resolve(nil, err)
		return err
	}
	deps, err := r.deps.get(ctx)
	if err != nil {
		r.img.resolve(nil, err)
		return err
	}
	resources, err := r.resources.get(ctx)
	if err != nil {
		r.img.resolve(nil, err)
		return err
	}
	classes, err := r.classes.get(ctx)
	if err != nil {
		r.img.resolve(nil, err)
		return err
	}

	img := image.New()
	for _, cl := range baseLayers {
		if err := img.AddLayer(contentLayerFromCached(cl)); err != nil {
			r.img.resolve(nil, err)
			return err
		}
	}
	for _, cl := range []*cache.CachedLayer{deps, resources, classes} {
		if err := img.AddLayer(contentLayerFromCached(cl)); err != nil {
			r.img.resolve(nil, err)
			return err
		}
	}

	for _, e := range bm.Image.Env {
		img.SetEnv(e.Key, e.Value)
	}
	for _, e := range r.p.Config.Env {
		img.SetEnv(e.Key, e.Value)
	}

	if len(r.p.Config.Entrypoint) > 0 {
		img.Entrypoint = r.p.Config.Entrypoint
	} else {
		img.Entrypoint = defaultEntrypoint(r.p.Config)
	}
	img.ExposedPorts = r.p.Config.ExposedPorts

	r.img.resolve(img, nil)
	return nil
}

func defaultEntrypoint(cfg *buildconfig.BuildConfiguration) []string {
	args := []string{"java"}
	args = append(args, cfg.JVMFlags...)
	args = append(args, "-cp", "/app/libs/*:/app/resources:/app/classes", cfg.MainClass)
	return args
}

func contentLayerFromCached(cl *cache.CachedLayer) image.ContentLayer {
	path := cl.Path
	return image.ContentLayer{
		Descriptor: cl.CompressedDescriptor,
		DiffIDHash: cl.DiffID,
		Blob: digest.ReaderBlob{NewReader: func() (io.ReadCloser, error) {
			return os.Open(path)
		}},
	}
}

func (r *run) pushContainerConfiguration(ctx context.Context) error {
	ctx, finish := timing.Start(ctx, "push-container-configuration")
	defer finish()

	if _, err := r.pushAuth.get(ctx); err != nil {
		r.configDesc.resolve(digest.BlobDescriptor{}, err)
		return err
	}
	img, err := r.img.get(ctx)
	if err != nil {
		r.configDesc.resolve(digest.BlobDescriptor{}, err)
		return err
	}

	diffIDs := make([]digest.Digest, img.LayerCount())
	for i, l := range img.Layers() {
		d, err := l.DiffID()
		if err != nil {
			r.configDesc.resolve(digest.BlobDescriptor{}, err)
			return err
		}
		diffIDs[i] = d
	}

	cfgTemplate := imagejson.BuildContainerConfig(img, diffIDs)
	raw, err := imagejson.Marshal(cfgTemplate)
	if err != nil {
		r.configDesc.resolve(digest.BlobDescriptor{}, err)
		return err
	}

	blob := digest.BytesBlob{Data: raw}
	desc, err := blob.WriteTo(io.Discard)
	if err != nil {
		r.configDesc.resolve(digest.BlobDescriptor{}, err)
		return err
	}

	if _, err := withSem(ctx, r.sem, func() (struct{}, error) {
		return struct{}{}, r.p.PushClient.PushBlob(ctx, desc, blob, "")
	}); err != nil {
		r.configDesc.resolve(digest.BlobDescriptor{}, err)
		return err
	}

	r.configDesc.resolve(desc, nil)
	return nil
}

func (r *run) checkAndPushAllBlobs(ctx context.Context) error {
	ctx, finish := timing.Start(ctx, "check-and-push-blobs")
	defer finish()

	if _, err := r.pushAuth.get(ctx); err != nil {
		r.blobsPushed.resolve(false, err)
		return err
	}
	baseLayers, err := r.baseLayers.get(ctx)
	if err != nil {
		r.blobsPushed.resolve(false, err)
		return err
	}
	deps, err := r.deps.get(ctx)
	if err != nil {
		r.blobsPushed.resolve(false, err)
		return err
	}
	resources, err := r.resources.get(ctx)
	if err != nil {
		r.blobsPushed.resolve(false, err)
		return err
	}
	classes, err := r.classes.get(ctx)
	if err != nil {
		r.blobsPushed.resolve(false, err)
		return err
	}

	all := make([]*cache.CachedLayer, 0, len(baseLayers)+3)
	all = append(all, baseLayers...)
	all = append(all, deps, resources, classes)

	inner, innerCtx := errgroup.WithContext(ctx)
	for i, cl := range all {
		cl := cl
		isBase := i < len(baseLayers)
		inner.Go(func() error { return r.checkAndPushBlob(innerCtx, cl, isBase) })
	}
	if err := inner.Wait(); err != nil {
		r.blobsPushed.resolve(false, err)
		return err
	}

	r.blobsPushed.resolve(true, nil)
	return nil
}

func (r *run) checkAndPushBlob(ctx context.Context, cl *cache.CachedLayer, isBase bool) error {
	ctx, finish := timing.Start(ctx, "check-and-push-blob")
	defer finish()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	existing, err := r.p.PushClient.CheckBlob(ctx, cl.CompressedDescriptor.Digest)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	mountFrom := ""
	if isBase {
		mountFrom = r.p.Config.BaseImage.Name
	}

	path := cl.Path
	blob := digest.ReaderBlob{NewReader: func() (io.ReadCloser, error) { return os.Open(path) }}
	if err := r.p.PushClient.PushBlob(ctx, cl.CompressedDescriptor, blob, mountFrom); err != nil {
		return err
	}
	if r.p.Metrics != nil {
		r.p.Metrics.RecordBlobPush(ctx, cl.CompressedDescriptor.Size)
	}
	return nil
}

func (r *run) pushManifest(ctx context.Context) error {
	ctx, finish := timing.Start(ctx, "push-manifest")
	defer finish()

	if _, err := r.blobsPushed.get(ctx); err != nil {
		r.manifestDig.resolve(digest.Digest{}, err)
		return err
	}
	configDesc, err := r.configDesc.get(ctx)
	if err != nil {
		r.manifestDig.resolve(digest.Digest{}, err)
		return err
	}
	img, err := r.img.get(ctx)
	if err != nil {
		r.manifestDig.resolve(digest.Digest{}, err)
		return err
	}

	layerDescs := make([]digest.BlobDescriptor, img.LayerCount())
	for i, l := range img.Layers() {
		layerDescs[i] = digest.BlobDescriptor{Size: l.Size(), Digest: l.CompressedDigest()}
	}

	manifestTemplate, err := imagejson.BuildManifest(layerDescs, configDesc, r.p.Config.TargetFormat)
	if err != nil {
		r.manifestDig.resolve(digest.Digest{}, err)
		return err
	}
	raw, err := imagejson.Marshal(manifestTemplate)
	if err != nil {
		r.manifestDig.resolve(digest.Digest{}, err)
		return err
	}

	if _, err := withSem(ctx, r.sem, func() (struct{}, error) {
		return struct{}{}, r.p.PushClient.PushManifest(ctx, raw, manifestTemplate.MediaType, r.p.Config.TargetImage.Tag)
	}); err != nil {
		r.manifestDig.resolve(digest.Digest{}, err)
		return err
	}

	desc, err := (digest.BytesBlob{Data: raw}).WriteTo(io.Discard)
	if err != nil {
		r.manifestDig.resolve(digest.Digest{}, err)
		return err
	}
	r.manifestDig.resolve(desc.Digest, nil)
	return nil
}

func (r *run) recordCacheLookup(ctx context.Context, kind string, hit bool) {
	if r.p.Metrics != nil {
		r.p.Metrics.RecordCacheLookup(ctx, kind, hit)
	}
}

// withSem runs fn while holding one unit of the pipeline's bounded worker
// semaphore, releasing it regardless of outcome.
func withSem[T any](ctx context.Context, sem *semaphore.Weighted, fn func() (T, error)) (T, error) {
	var zero T
	if err := sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	defer sem.Release(1)
	return fn()
}
