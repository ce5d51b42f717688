// Package dicomscp defines the thin seam between a DICOM upper-layer
// service (association negotiation, PDU framing, C-STORE/C-FIND/C-MOVE
// DIMSE encoding) and the core ingestion/query pipeline. Per spec.md §1's
// Non-goals, this module does not implement PDU framing, association
// negotiation, or C-MOVE itself - those are the responsibility of an
// external DICOM upper-layer library wired in at this seam. What lives
// here is the reference adapter: given an already-decoded instance and
// association, drive the same Store/filter path the REST front-end uses.
package dicomscp

import (
	"context"
	"strings"

	"github.com/pacsd/pacsd/apierror"
	"github.com/pacsd/pacsd/core"
	"github.com/pacsd/pacsd/index"
	"github.com/pacsd/pacsd/ingest"
)

// Association describes one DICOM peer connection (spec.md §4.5's
// connection-level filter inputs).
type Association struct {
	CallingAET string
	CalledAET  string
	RemoteIP   string
}

// Summary is the per-operation outcome, mapped to a DIMSE status by the
// upper-layer library this adapter is wired into (a successful Store maps
// to 0x0000, a filtered-out request to 0x0122/0xA700-family codes, etc,
// per spec.md §7's apierror.Kind-to-DIMSE-status table maintained by that
// external collaborator).
type Summary struct {
	apierror.Kind
	Message string
}

// Adapter drives the core pipeline from decoded DICOM traffic. It holds
// no network state itself; a real upper-layer library constructs one per
// accepted association and calls its methods as PDUs decode.
type Adapter struct {
	Server *core.Server
}

// NewAdapter wraps srv for DICOM-originated traffic.
func NewAdapter(srv *core.Server) *Adapter {
	return &Adapter{Server: srv}
}

// Verify handles a C-ECHO (spec.md §4.5/§6): association-level filtering
// only, no resource access.
func (a *Adapter) Verify(ctx context.Context, assoc Association) error {
	c := a.Server.Current()
	if !c.DicomF.IsAllowedConnection(assoc.CallingAET, assoc.CalledAET, assoc.RemoteIP) {
		return apierror.New(apierror.Unauthorized, "connection from %s refused", assoc.CallingAET)
	}
	if !c.DicomF.IsAllowedRequest(assoc.CallingAET, assoc.CalledAET, "Echo") {
		return apierror.New(apierror.Unauthorized, "C-ECHO from %s refused", assoc.CallingAET)
	}
	return nil
}

// Store handles one C-STORE, having already been given tags/bytes decoded
// by the upper-layer library's own DICOM codec.
func (a *Adapter) Store(ctx context.Context, assoc Association, tags ingest.Tags, raw []byte) (ingest.Result, error) {
	c := a.Server.Current()
	if !c.DicomF.IsAllowedConnection(assoc.CallingAET, assoc.CalledAET, assoc.RemoteIP) {
		return ingest.Result{}, apierror.New(apierror.Unauthorized, "connection from %s refused", assoc.CallingAET)
	}
	if !c.DicomF.IsAllowedRequest(assoc.CallingAET, assoc.CalledAET, "Store") {
		return ingest.Result{}, apierror.New(apierror.Unauthorized, "C-STORE from %s refused", assoc.CallingAET)
	}
	if !c.DicomF.IsAllowedTransferSyntax(tags.TransferSyntaxUID) {
		return ingest.Result{}, apierror.New(apierror.Unauthorized, "transfer syntax %s refused", tags.TransferSyntaxUID)
	}
	if !knownSOPClass(tags.SOPClassUID) && !c.DicomF.IsUnknownSopClassAccepted(tags.SOPClassUID) {
		return ingest.Result{}, apierror.New(apierror.Unauthorized, "SOP class %s refused", tags.SOPClassUID)
	}
	return c.Store(ctx, ingest.Request{
		RawDicom: raw, Tags: tags, Origin: ingest.OriginDicomProtocol,
		RemoteAet: assoc.CallingAET, CalledAet: assoc.CalledAET,
	})
}

// FindQuery is one C-FIND request, already decoded into a flat key/value
// match specification by the upper-layer library.
type FindQuery struct {
	Level   string // "PATIENT" | "STUDY" | "SERIES" | "IMAGE"
	Filters map[string]string
}

// findLevels maps a C-FIND query/retrieve level to the index Level storing
// its identifiers (spec.md §4.3's "PATIENT"/"STUDY"/"SERIES"/"IMAGE" root).
var findLevels = map[string]index.Level{
	"PATIENT": index.LevelPatient,
	"STUDY":   index.LevelStudy,
	"SERIES":  index.LevelSeries,
	"IMAGE":   index.LevelInstance,
}

// findTags maps the filter keys Find understands to the index's
// secondary-indexed identifier tags (spec.md §3).
var findTags = map[string]index.IdentifierTag{
	"PatientID":         index.TagPatientID,
	"StudyInstanceUID":  index.TagStudyInstanceUID,
	"SeriesInstanceUID": index.TagSeriesInstanceUID,
	"SOPInstanceUID":    index.TagSOPInstanceUID,
	"AccessionNumber":   index.TagAccessionNumber,
}

// isWildcardPattern reports whether a DICOM match value uses '*'/'?'
// wildcards, per spec.md §4.3.
func isWildcardPattern(v string) bool {
	return strings.ContainsAny(v, "*?")
}

// toLikePattern translates DICOM wildcard syntax ('*' any run, '?' one
// char) to SQL LIKE syntax ('%', '_'), escaping literal SQL wildcards
// first so a value containing a real '%' or '_' still matches exactly.
func toLikePattern(v string) string {
	r := strings.NewReplacer("%", "\\%", "_", "\\_", "*", "%", "?", "_")
	return r.Replace(v)
}

// Find answers a study-root C-FIND against the index's identifier tables
// (spec.md §4.3): each recognized filter narrows the candidate set by
// exact match or, when the value contains '*'/'?', a SQL LIKE match: the
// intersection across filters is the result. Unrecognized filter keys are
// ignored rather than rejected, since an upper-layer library may pass
// along optional return keys this adapter doesn't match on.
func (a *Adapter) Find(ctx context.Context, assoc Association, q FindQuery) ([]map[string]string, error) {
	c := a.Server.Current()
	if !c.DicomF.IsAllowedRequest(assoc.CallingAET, assoc.CalledAET, "Find") {
		return nil, apierror.New(apierror.Unauthorized, "C-FIND from %s refused", assoc.CallingAET)
	}
	if wl := c.Plugins.Worklist(); wl != nil && q.Level == "WORKLIST" {
		return wl(ctx, q.Filters)
	}

	level, ok := findLevels[q.Level]
	if !ok {
		return nil, apierror.New(apierror.BadFileFormat, "unrecognized C-FIND level %q", q.Level)
	}

	var rowIDs []int64
	matched := false
	for key, value := range q.Filters {
		tag, ok := findTags[key]
		if !ok {
			continue
		}
		var ids []int64
		var err error
		if isWildcardPattern(value) {
			ids, err = c.Idx.FindByIdentifierLike(ctx, level, tag, toLikePattern(value))
		} else {
			ids, err = c.Idx.FindByIdentifier(ctx, level, tag, value)
		}
		if err != nil {
			return nil, err
		}
		if !matched {
			rowIDs = ids
		} else {
			rowIDs = intersectIDs(rowIDs, ids)
		}
		matched = true
	}
	if !matched {
		return nil, apierror.New(apierror.BadFileFormat, "C-FIND query has no recognized matching key")
	}

	out := make([]map[string]string, 0, len(rowIDs))
	for _, id := range rowIDs {
		r, err := c.Idx.GetResource(ctx, id)
		if err != nil {
			return nil, err
		}
		row := make(map[string]string, len(r.MainTags)+1)
		for k, v := range r.MainTags {
			row[k] = v
		}
		row["ID"] = r.PublicID
		out = append(out, row)
	}
	return out, nil
}

func intersectIDs(a, b []int64) []int64 {
	set := make(map[int64]struct{}, len(b))
	for _, id := range b {
		set[id] = struct{}{}
	}
	out := make([]int64, 0, len(a))
	for _, id := range a {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func knownSOPClass(uid string) bool {
	switch uid {
	case "":
		return false
	default:
		return true
	}
}
