// Package ingest implements StoreInstance (spec.md §4.1): given a decoded
// DICOM instance's tags and raw bytes, it deduplicates by SOP Instance
// UID, computes public IDs, enforces the storage caps, records the
// resource tree in the index.Index, writes the attachments to the
// blobstore.Area, records metadata, and finally calls OnStored. Index
// change observers are notified earlier, when the resource rows commit,
// before the attachments and metadata are written.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/pacsd/pacsd/apierror"
	"github.com/pacsd/pacsd/blobstore"
	"github.com/pacsd/pacsd/cmn"
	"github.com/pacsd/pacsd/dicomtypes"
	"github.com/pacsd/pacsd/housekeep"
	"github.com/pacsd/pacsd/index"
	"github.com/pacsd/pacsd/logging"
)

var json_ = jsoniter.ConfigCompatibleWithStandardLibrary

// Tags is the minimal set of DICOM header fields StoreInstance needs,
// already decoded by the caller (spec.md §1: this module never parses
// DICOM streams itself).
type Tags struct {
	PatientID          string
	PatientName        string
	StudyInstanceUID   string
	StudyDate          string
	AccessionNumber    string
	SeriesInstanceUID  string
	Modality           string
	SOPInstanceUID     string
	SOPClassUID        string
	TransferSyntaxUID  string
	InstanceNumber     string
	All                map[string]string // full flattened tag set for MainDicomTags/simplified JSON
}

// Origin names where an instance came from (spec.md §3 metadata "Origin").
type Origin string

const (
	OriginDicomProtocol Origin = "DicomProtocol"
	OriginRestApi        Origin = "RestApi"
	OriginLua             Origin = "Lua"
	OriginPlugins        Origin = "Plugins"
)

// Request is one StoreInstance call's input.
type Request struct {
	RawDicom   []byte
	Tags       Tags
	Origin     Origin
	RemoteAet  string
	CalledAet  string
}

// Result reports what StoreInstance did, for the caller's REST/DIMSE
// response and plugin OnStoredInstance callback.
type Result struct {
	PatientID, StudyID, SeriesID, InstanceID string
	IsNewInstance                            bool
}

// Pipeline wires together the collaborators StoreInstance needs.
type Pipeline struct {
	Area                   blobstore.Area
	Idx                    *index.Index
	Config                 *cmn.Config
	ComputeAttachmentSize  func([]byte) int64 // overridable for tests
	OnStored               func(Result)
	Stable                 *housekeep.StableEventTracker
}

// NewPipeline builds a Pipeline bound to the given blobstore/index/config.
func NewPipeline(area blobstore.Area, idx *index.Index, cfg *cmn.Config) *Pipeline {
	return &Pipeline{Area: area, Idx: idx, Config: cfg}
}

// StoreInstance is the ingestion entry point (spec.md §4.1). It is the
// single path both the REST /instances POST handler and a DICOM C-STORE
// adapter funnel through.
func (p *Pipeline) StoreInstance(ctx context.Context, req Request) (Result, error) {
	if req.Tags.SOPInstanceUID == "" {
		return Result{}, apierror.New(apierror.BadFileFormat, "instance is missing SOPInstanceUID")
	}

	patientPub := cmn.PublicID("Patient", req.Tags.PatientID)
	studyPub := cmn.PublicID("Study", req.Tags.StudyInstanceUID)
	seriesPub := cmn.PublicID("Series", req.Tags.SeriesInstanceUID)
	instancePub := cmn.PublicID("Instance", req.Tags.SOPInstanceUID)

	chain := [4]index.CreateResourceInput{
		{Level: index.LevelPatient, PublicID: patientPub, MainTags: map[string]string{
			"PatientID": req.Tags.PatientID, "PatientName": req.Tags.PatientName,
		}},
		{Level: index.LevelStudy, PublicID: studyPub, MainTags: map[string]string{
			"StudyInstanceUID": req.Tags.StudyInstanceUID, "StudyDate": req.Tags.StudyDate,
			"AccessionNumber": req.Tags.AccessionNumber,
		}},
		{Level: index.LevelSeries, PublicID: seriesPub, MainTags: map[string]string{
			"SeriesInstanceUID": req.Tags.SeriesInstanceUID, "Modality": req.Tags.Modality,
		}},
		{Level: index.LevelInstance, PublicID: instancePub, MainTags: map[string]string{
			"SOPInstanceUID": req.Tags.SOPInstanceUID, "SOPClassUID": req.Tags.SOPClassUID,
			"InstanceNumber": req.Tags.InstanceNumber,
		}},
	}

	incomingSize := int64(len(req.RawDicom))
	if p.ComputeAttachmentSize != nil {
		incomingSize = p.ComputeAttachmentSize(req.RawDicom)
	}
	evicted, err := p.Idx.EnforceLimits(ctx, incomingSize)
	if err != nil {
		return Result{}, err
	}
	for _, ev := range evicted {
		p.purgeBlobs(ev.Attachments)
		logging.Infof("evicted patient %s to satisfy storage limits", ev.PublicID)
	}

	rowIDs, isNew, err := p.Idx.StoreInstance(ctx, chain)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		PatientID: patientPub, StudyID: studyPub, SeriesID: seriesPub, InstanceID: instancePub,
		IsNewInstance: isNew[3],
	}

	if !isNew[3] {
		// duplicate SOP Instance UID: a no-op write, spec.md §4.1
		if p.OnStored != nil {
			p.OnStored(res)
		}
		return res, nil
	}

	if err := p.writeAttachments(ctx, rowIDs[3], req); err != nil {
		return Result{}, err
	}

	if err := p.Idx.SetMetadata(ctx, rowIDs[3], index.MetaOrigin, string(req.Origin)); err != nil {
		return Result{}, err
	}
	if req.RemoteAet != "" {
		if err := p.Idx.SetMetadata(ctx, rowIDs[3], index.MetaRemoteAet, req.RemoteAet); err != nil {
			return Result{}, err
		}
	}
	if req.CalledAet != "" {
		if err := p.Idx.SetMetadata(ctx, rowIDs[3], index.MetaCalledAet, req.CalledAet); err != nil {
			return Result{}, err
		}
	}
	if err := p.Idx.SetMetadata(ctx, rowIDs[3], index.MetaReceptionDate, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return Result{}, err
	}
	if req.Tags.InstanceNumber != "" {
		if err := p.Idx.SetMetadata(ctx, rowIDs[3], index.MetaIndexInSeries, req.Tags.InstanceNumber); err != nil {
			return Result{}, err
		}
	}

	if err := p.Idx.TouchRecycling(ctx, rowIDs[0]); err != nil {
		return Result{}, err
	}

	if p.Stable != nil {
		p.Stable.Touch(index.LevelSeries, seriesPub)
		p.Stable.Touch(index.LevelStudy, studyPub)
		p.Stable.Touch(index.LevelPatient, patientPub)
	}

	if p.OnStored != nil {
		p.OnStored(res)
	}
	return res, nil
}

// writeAttachments writes the DICOM blob (if StoreDicom), the full-JSON
// and simplified-JSON renderings, optionally compressed, recording MD5
// digests when StoreMD5ForAttachments is set (spec.md §4.1/§6).
func (p *Pipeline) writeAttachments(ctx context.Context, instanceRowID int64, req Request) error {
	if p.Config.StoreDicom {
		if err := p.writeOne(ctx, instanceRowID, blobstore.KindDicom, req.RawDicom); err != nil {
			return err
		}
	}

	fullJSON, err := json_.Marshal(req.Tags.All)
	if err != nil {
		return apierror.Wrap(apierror.InternalError, err, "failed to marshal instance tags")
	}
	if err := p.writeOne(ctx, instanceRowID, blobstore.KindJSON, fullJSON); err != nil {
		return err
	}

	simplified := simplify(req.Tags.All)
	simplifiedJSON, err := json.Marshal(simplified)
	if err != nil {
		return apierror.Wrap(apierror.InternalError, err, "failed to marshal simplified tags")
	}
	return p.writeOne(ctx, instanceRowID, blobstore.KindSimplifiedJSON, simplifiedJSON)
}

func (p *Pipeline) writeOne(ctx context.Context, resourceRowID int64, kind blobstore.Kind, data []byte) error {
	uuid := cmn.GenUUID()
	payload := data
	scheme := blobstore.CompressionNone
	if p.Config.StorageCompression {
		compressed, err := blobstore.Compress(data)
		if err != nil {
			return err
		}
		payload = compressed
		scheme = blobstore.CompressionZlibWithSize
	}

	if err := p.Area.Create(uuid, payload, kind); err != nil {
		return err
	}

	att := index.Attachment{
		Kind: string(kind), UUID: uuid,
		UncompressedSize:  int64(len(data)),
		CompressedSize:    int64(len(payload)),
		CompressionScheme: string(scheme),
	}
	if p.Config.StoreMD5ForAttachments {
		att.UncompressedMD5 = blobstore.MD5(data)
		att.CompressedMD5 = blobstore.MD5(payload)
	}
	if err := p.Idx.AddAttachment(ctx, resourceRowID, att); err != nil {
		p.Area.Remove(uuid, kind) // roll back the pre-written blob, spec.md §4.2
		return err
	}
	return nil
}

// purgeBlobs removes every blob belonging to an already-deleted resource,
// best-effort (errors are logged, not propagated: the metadata is already
// gone, so a stray blob is an orphan to be swept by housekeep). atts must
// be collected from the index *before* the deleting transaction commits -
// by the time the caller learns a patient was evicted, its attachment
// rows no longer exist to be queried.
func (p *Pipeline) purgeBlobs(atts []index.Attachment) {
	for _, a := range atts {
		if err := p.Area.Remove(a.UUID, blobstore.Kind(a.Kind)); err != nil {
			logging.Warningf("failed to remove orphaned blob %s: %v", a.UUID, err)
		}
	}
}

// simplify renders a tag map the way Orthanc's "simplified JSON" does:
// flat name -> value, dropping VR/multiplicity wrapping. The caller has
// already flattened multi-valued tags into a single display string.
func simplify(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

// TransferSyntaxFamily is a convenience re-export so callers that only
// import ingest for Tags don't also need dicomtypes for this one lookup.
func TransferSyntaxFamily(uid string) dicomtypes.Family {
	return dicomtypes.FamilyOf(uid)
}
