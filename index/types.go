package index

import "time"

// Level is one of the four resource levels, spec.md §3.
type Level int

const (
	LevelPatient Level = iota
	LevelStudy
	LevelSeries
	LevelInstance
)

func (l Level) String() string {
	switch l {
	case LevelPatient:
		return "Patient"
	case LevelStudy:
		return "Study"
	case LevelSeries:
		return "Series"
	case LevelInstance:
		return "Instance"
	default:
		return "Unknown"
	}
}

// Resource is one row of the Patient/Study/Series/Instance hierarchy.
type Resource struct {
	RowID          int64
	Level          Level
	PublicID       string
	ParentRowID    int64 // 0 for Patient
	Protected      bool
	RecyclingOrder int64
	MainTags       map[string]string
}

// Attachment is a blob reference bound to a resource, spec.md §3.
type Attachment struct {
	ResourceRowID     int64
	Kind              string
	UUID              string
	UncompressedSize  int64
	UncompressedMD5   string
	CompressedSize    int64
	CompressedMD5     string
	CompressionScheme string
}

// Metadata keys. Values 0-1023 are reserved for the core (spec.md §3);
// user-registered keys (UserMetadata config) start at 1024.
type MetadataKey int

const (
	MetaRemoteAet MetadataKey = iota
	MetaCalledAet
	MetaReceptionDate
	MetaOrigin
	MetaIndexInSeries
	MetaLastUpdate
	firstUserMetadataKey MetadataKey = 1024
)

// ChangeKind enumerates the change-log event kinds, spec.md §3.
type ChangeKind string

const (
	ChangeNewPatient     ChangeKind = "NewPatient"
	ChangeNewStudy       ChangeKind = "NewStudy"
	ChangeNewSeries      ChangeKind = "NewSeries"
	ChangeNewInstance    ChangeKind = "NewInstance"
	ChangeNewChildInstance ChangeKind = "NewChildInstance"
	ChangeDeletedPatient ChangeKind = "DeletedPatient"
	ChangeDeletedStudy   ChangeKind = "DeletedStudy"
	ChangeDeletedSeries  ChangeKind = "DeletedSeries"
	ChangeDeletedInstance ChangeKind = "DeletedInstance"
	ChangeStableStudy    ChangeKind = "StableStudy"
	ChangeStableSeries   ChangeKind = "StableSeries"
	ChangeStablePatient  ChangeKind = "StablePatient"
	ChangeCompletedSeries ChangeKind = "CompletedSeries"
)

// ChangeEvent is one row of the append-only change log, spec.md §3.
type ChangeEvent struct {
	Seq          int64
	Kind         ChangeKind
	ResourceType Level
	PublicID     string
	Timestamp    time.Time
}

// IdentifierTag names the secondary-indexed tags, spec.md §3.
type IdentifierTag string

const (
	TagPatientID       IdentifierTag = "PatientID"
	TagStudyInstanceUID IdentifierTag = "StudyInstanceUID"
	TagSeriesInstanceUID IdentifierTag = "SeriesInstanceUID"
	TagSOPInstanceUID  IdentifierTag = "SOPInstanceUID"
	TagAccessionNumber IdentifierTag = "AccessionNumber"
)

// Statistics backs the Server Context's GetStatistics() (spec.md §4.6).
type Statistics struct {
	CountPatients        int64
	CountStudies         int64
	CountSeries          int64
	CountInstances       int64
	TotalCompressedSize  int64
	TotalUncompressedSize int64
}
