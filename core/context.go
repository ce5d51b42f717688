// Package core assembles every collaborator package into the Server
// Context (spec.md §4.6): the single object REST handlers, the DICOM
// front-end adapter, and Lua event hooks all call through for
// Store/ReadFile/DeleteResource/GetStatistics/SignalChange, plus the
// restart barrier that lets a configuration change tear the whole
// pipeline down and rebuild it without a process restart (spec.md §5).
package core

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"github.com/pacsd/pacsd/apierror"
	"github.com/pacsd/pacsd/blobstore"
	"github.com/pacsd/pacsd/cmn"
	"github.com/pacsd/pacsd/filters"
	"github.com/pacsd/pacsd/housekeep"
	"github.com/pacsd/pacsd/index"
	"github.com/pacsd/pacsd/ingest"
	"github.com/pacsd/pacsd/logging"
	"github.com/pacsd/pacsd/peers"
	"github.com/pacsd/pacsd/plugin"
	"github.com/pacsd/pacsd/script"
	"github.com/pacsd/pacsd/stats"
)

// Context is the assembled, running server. Every field is set once by
// Build; a reset builds a new Context rather than mutating this one, and
// after Build only the stopping flag (set by Stop) changes in place,
// apart from state inside the packages it holds references to.
type Context struct {
	Config   *cmn.Config
	Area     blobstore.Area
	Backend  index.Backend
	Idx      *index.Index
	Scripts  *script.Engine
	HTTPF    *filters.HTTPFilter
	DicomF   *filters.DicomFilter
	Plugins  *plugin.Dispatcher
	Pipeline *ingest.Pipeline
	HK       *housekeep.Registry
	Stable   *housekeep.StableEventTracker
	Stats    *stats.Collector
	Peers    *peers.Table

	stopping atomic.Bool
}

// Build loads configDir, opens every collaborator and wires them
// together, returning a ready-to-serve Context. allowSchemaUpgrade is
// the CLI --upgrade flag (spec.md §4.2).
func Build(configDir string, allowSchemaUpgrade bool) (*Context, error) {
	cfg, err := cmn.Load(configDir)
	if err != nil {
		return nil, err
	}
	return buildFromConfig(cfg, allowSchemaUpgrade)
}

func buildFromConfig(cfg *cmn.Config, allowSchemaUpgrade bool) (*Context, error) {
	c := &Context{Config: cfg}
	c.Plugins = plugin.New()

	backendFactory := c.Plugins.DatabaseBackendFactory()
	var backend index.Backend
	var err error
	if backendFactory != nil {
		backend, err = backendFactory(nil)
	} else {
		backend, err = index.OpenSQLite(cfg.IndexDirectory + "/index.db")
	}
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if err := index.EnsureSchema(ctx, backend); err != nil {
		backend.Close()
		return nil, err
	}
	if err := index.CheckAndUpgrade(ctx, backend, allowSchemaUpgrade); err != nil {
		backend.Close()
		return nil, err
	}
	c.Backend = backend
	c.Idx = index.New(backend, cfg.MaximumStorageSize*1024*1024, int64(cfg.MaximumPatientCount))

	areaFactory := c.Plugins.StorageAreaFactory()
	var area blobstore.Area
	if areaFactory != nil {
		area, err = areaFactory(nil)
	} else {
		area, err = blobstore.NewFSArea(cfg.StorageDirectory)
	}
	if err != nil {
		c.Idx.Close()
		return nil, err
	}
	if !cfg.StoreDicom {
		area = &blobstore.NoDicomArea{Inner: area}
	}
	c.Area = area

	if len(cfg.LuaScripts) > 0 {
		eng, err := script.New(cfg.LuaScripts)
		if err != nil {
			return nil, err
		}
		c.Scripts = eng
	}

	filterEngine := &filters.Engine{Config: cfg, Scripts: c.Scripts}
	c.HTTPF = &filters.HTTPFilter{Engine: filterEngine}
	c.DicomF = &filters.DicomFilter{Engine: filterEngine}

	c.Stats = stats.NewCollector()

	peerMap := map[string]peers.Peer{}
	for name, raw := range cfg.OrthancPeers {
		if m, ok := raw.(map[string]interface{}); ok {
			p := peers.Peer{Name: name}
			if v, ok := m["Url"].(string); ok {
				p.URL = v
			}
			if v, ok := m["Username"].(string); ok {
				p.Username = v
			}
			if v, ok := m["Password"].(string); ok {
				p.Password = v
			}
			peerMap[name] = p
		}
	}
	c.Peers = peers.NewTable(peerMap, time.Duration(cfg.HTTPTimeoutSec)*time.Second)

	c.HK = housekeep.NewRegistry()
	idleTimeout := time.Duration(cfg.StableEventIdleTimeoutSec) * time.Second
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	c.Stable = housekeep.NewStableEventTracker(c.HK, idleTimeout, func(ev index.ChangeEvent) error {
		return c.Idx.AppendChange(context.Background(), ev)
	})

	c.Idx.Subscribe(func(ev index.ChangeEvent) {
		c.Stats.ObserveChange(ev)
		c.Plugins.FireOnChange(ev)
		if ev.Kind == index.ChangeNewInstance && c.Scripts != nil {
			c.Scripts.CallEvent("OnStoredInstance", ev.PublicID)
		}
		if c.Scripts != nil {
			c.Scripts.CallEvent("OnChange", string(ev.Kind), ev.PublicID)
		}
	})

	c.Pipeline = ingest.NewPipeline(c.Area, c.Idx, c.Config)
	c.Pipeline.Stable = c.Stable
	c.Pipeline.OnStored = func(res ingest.Result) {
		c.Plugins.FireOnStored(index.ChangeEvent{Kind: index.ChangeNewInstance, ResourceType: index.LevelInstance, PublicID: res.InstanceID})
	}

	startupSweep(c)

	return c, nil
}

// Store is the single funnel both the REST /instances POST handler and
// the DICOM C-STORE adapter call through (spec.md §4.1).
func (c *Context) Store(ctx context.Context, req ingest.Request) (ingest.Result, error) {
	if c.stopping.Load() {
		return ingest.Result{}, apierror.New(apierror.BadSequenceOfCalls, "server is shutting down")
	}
	return c.Pipeline.StoreInstance(ctx, req)
}

// ReadFile returns the bytes of one attachment kind for a public ID
// (spec.md §4.6), transparently decompressing if needed.
func (c *Context) ReadFile(ctx context.Context, publicID string, kind blobstore.Kind) ([]byte, error) {
	rowID, _, err := c.Idx.LookupPublicID(ctx, publicID)
	if err != nil {
		return nil, err
	}
	att, err := c.Idx.GetAttachment(ctx, rowID, string(kind))
	if err != nil {
		return nil, err
	}
	raw, err := c.Area.Read(att.UUID, kind)
	if err != nil {
		return nil, err
	}
	if att.CompressionScheme == string(blobstore.CompressionZlibWithSize) {
		return blobstore.Decompress(raw)
	}
	return raw, nil
}

// DeleteResource removes a resource (at any level) and its blobs
// (spec.md §4.5).
func (c *Context) DeleteResource(ctx context.Context, publicID string) error {
	rowID, _, err := c.Idx.LookupPublicID(ctx, publicID)
	if err != nil {
		return err
	}
	attachments, err := c.Idx.DeleteResource(ctx, rowID)
	if err != nil {
		return err
	}
	for _, a := range attachments {
		if err := c.Area.Remove(a.UUID, blobstore.Kind(a.Kind)); err != nil {
			logging.Warningf("failed to remove blob %s after delete: %v", a.UUID, err)
		}
	}
	return nil
}

// GetStatistics renders the /statistics REST payload.
func (c *Context) GetStatistics(ctx context.Context) (stats.Summary, error) {
	return stats.GetStatistics(ctx, c.Idx, c.Stats)
}

// SignalChange lets a script or plugin append a standalone change event
// (e.g. a Lua script marking a study reviewed) through the same path
// ingestion and eviction use.
func (c *Context) SignalChange(ctx context.Context, ev index.ChangeEvent) error {
	return c.Idx.AppendChange(ctx, ev)
}

// Stop tears the pipeline down: no further Store calls are accepted,
// housekeeping tasks are cancelled, the script engine and database
// connection are closed.
func (c *Context) Stop() {
	c.stopping.Store(true)
	c.HK.Stop()
	if c.Scripts != nil {
		c.Scripts.Finalize()
	}
	if err := c.Idx.Close(); err != nil {
		logging.Warningf("error closing index backend: %v", err)
	}
}

// startupSweep registers the periodic orphan-blob reconciliation pass
// (spec.md §4.2: a blob with no corresponding attachment row, left behind
// by a crash between blob write and index commit). Per-write orphans are
// already cleaned up inline by ingest.Pipeline.writeOne's rollback path;
// this sweep only needs to catch the startup case, and only runs at all
// when the storage area is the default *blobstore.FSArea (a plugin-supplied
// Area owns its own reconciliation).
func startupSweep(c *Context) {
	area, ok := unwrapFSArea(c.Area)
	if !ok {
		return
	}
	c.HK.Reg("orphan-blob.sweep", func() time.Duration {
		if err := sweepOrphanBlobs(context.Background(), area, c.Idx); err != nil {
			logging.Warningf("orphan-blob sweep failed: %v", err)
		}
		return 24 * time.Hour
	}, time.Second)
}

// unwrapFSArea looks through a NoDicomArea wrapper (if present) for the
// underlying *blobstore.FSArea the sweep knows how to walk.
func unwrapFSArea(area blobstore.Area) (*blobstore.FSArea, bool) {
	switch a := area.(type) {
	case *blobstore.FSArea:
		return a, true
	case *blobstore.NoDicomArea:
		return unwrapFSArea(a.Inner)
	default:
		return nil, false
	}
}

func sweepOrphanBlobs(ctx context.Context, area *blobstore.FSArea, idx *index.Index) error {
	return area.Walk(ctx, func(ref blobstore.BlobRef) error {
		exists, err := idx.AttachmentExists(ctx, ref.UUID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if err := area.Remove(ref.UUID, ref.Kind); err != nil {
			logging.Warningf("failed to remove orphaned blob %s/%s: %v", ref.UUID, ref.Kind, err)
		}
		return nil
	})
}
