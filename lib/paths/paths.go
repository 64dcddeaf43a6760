// Package paths provides centralized, typed path construction for the
// builder's on-disk cache state, rooted at one data directory:
//
//	{dataDir}/
//	  base-layers/          (shared BASE-kind layer cache, one per machine)
//	    cache.json
//	    {digest}/{digest}.tar.gz
//	  projects/{project}/   (per-project application-layer cache)
//	    layers/
//	      cache.json
//	      {digest}/{digest}.tar.gz
//	  scratch/               (temp space for in-flight pulls/builds)
package paths

import "path/filepath"

// Paths provides typed path construction for one builder data directory.
type Paths struct {
	dataDir string
}

// New creates a Paths rooted at dataDir.
func New(dataDir string) *Paths {
	return &Paths{dataDir: dataDir}
}

// BaseCacheDir returns the shared base-layer cache directory, the same for
// every project on the machine since BASE layers are keyed only by their
// compressed digest.
func (p *Paths) BaseCacheDir() string {
	return filepath.Join(p.dataDir, "base-layers")
}

// ApplicationCacheDir returns the application-layer cache directory for one
// project, keyed by a caller-supplied project name (e.g. derived from the
// target image's repository path).
func (p *Paths) ApplicationCacheDir(project string) string {
	return filepath.Join(p.dataDir, "projects", project, "layers")
}

// ScratchDir returns a directory for transient work files that don't belong
// in either cache (e.g. staging an in-flight pull before it's known good).
func (p *Paths) ScratchDir() string {
	return filepath.Join(p.dataDir, "scratch")
}
