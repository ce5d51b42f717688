// Package dicomtypes provides the small, capability-only DICOM vocabulary
// the core consumes: transfer-syntax gating (spec.md §4.5), the worklist and
// verification SOP class UIDs needed to recognize C-ECHO/C-FIND-worklist
// traffic, DIMSE status mapping for apierror.Kind, and the user-registrable
// tag Dictionary (SPEC_FULL.md §3.1). It does not parse DICOM streams - the
// wire codec itself remains an external collaborator per spec.md §1.
//
// The transfer-syntax and SOP-class UID tables are enrichment drawn from the
// sibling retrieval-pack repo caio-sobreiro-dicomnet (types/transfersyntax.go,
// types/sopclass.go), not from the teacher.
package dicomtypes

// Transfer syntax UIDs relevant to the per-family gates in spec.md §4.5.
const (
	ImplicitVRLittleEndian         = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian         = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian            = "1.2.840.10008.1.2.2"
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"

	JPEGBaseline8Bit = "1.2.840.10008.1.2.4.50"
	JPEGExtended12Bit = "1.2.840.10008.1.2.4.51"

	JPEGLosslessSV1 = "1.2.840.10008.1.2.4.70"
	JPEGLossless    = "1.2.840.10008.1.2.4.57"

	JPEG2000Lossless = "1.2.840.10008.1.2.4.90"
	JPEG2000         = "1.2.840.10008.1.2.4.91"

	JPIPReferenced = "1.2.840.10008.1.2.4.94"

	MPEG2MainProfile = "1.2.840.10008.1.2.4.100"

	RLELossless = "1.2.840.10008.1.2.5"
)

// Family names the per-syntax gate groups used by spec.md §4.5's
// IsAllowedTransferSyntax: each gates on a named config boolean or a
// same-named script predicate, script taking precedence.
type Family string

const (
	FamilyDeflated     Family = "Deflated"
	FamilyJpeg         Family = "Jpeg"
	FamilyJpeg2000     Family = "Jpeg2000"
	FamilyJpegLossless Family = "JpegLossless"
	FamilyJpip         Family = "Jpip"
	FamilyMpeg2        Family = "Mpeg2"
	FamilyRle          Family = "Rle"
	FamilyUncompressed Family = ""
)

var familyByUID = map[string]Family{
	DeflatedExplicitVRLittleEndian: FamilyDeflated,
	JPEGBaseline8Bit:               FamilyJpeg,
	JPEGExtended12Bit:              FamilyJpeg,
	JPEGLosslessSV1:                FamilyJpegLossless,
	JPEGLossless:                   FamilyJpegLossless,
	JPEG2000Lossless:               FamilyJpeg2000,
	JPEG2000:                       FamilyJpeg2000,
	JPIPReferenced:                 FamilyJpip,
	MPEG2MainProfile:               FamilyMpeg2,
	RLELossless:                    FamilyRle,
}

// FamilyOf classifies a transfer syntax UID for the gating logic in
// filters.DicomFilter.IsAllowedTransferSyntax. Uncompressed/unknown syntaxes
// return FamilyUncompressed and are always allowed.
func FamilyOf(uid string) Family {
	if f, ok := familyByUID[uid]; ok {
		return f
	}
	return FamilyUncompressed
}

// Well-known SOP class UIDs the request filter and worklist plumbing need to
// recognize without a full dictionary.
const (
	VerificationSOPClass           = "1.2.840.10008.1.1"
	ModalityWorklistInformationModelFind = "1.2.840.10008.5.1.4.31"
	StudyRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.2.2"
)

// Dictionary holds user-registered custom DICOM tags (config key
// "Dictionary", spec.md §6 / SPEC_FULL.md §3.1). Keys are "GGGG,EEEE".
type Dictionary struct {
	entries map[string]DictEntry
}

type DictEntry struct {
	Name string
	VR   string
}

func NewDictionary() *Dictionary {
	return &Dictionary{entries: map[string]DictEntry{}}
}

func (d *Dictionary) Register(tag, name, vr string) {
	d.entries[tag] = DictEntry{Name: name, VR: vr}
}

func (d *Dictionary) Lookup(tag string) (DictEntry, bool) {
	e, ok := d.entries[tag]
	return e, ok
}
