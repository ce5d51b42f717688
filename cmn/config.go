package cmn

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/pacsd/pacsd/apierror"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config is the fully-merged, in-memory configuration (spec.md §6). Each
// field's json tag carries its configuration key name (the Go field name
// differs in a few cases, e.g. HTTPPort for "HttpPort") so jsoniter can
// decode directly into this struct the way the teacher's cmn.Config does
// for aistore's own JSON config.
type Config struct {
	HTTPPort             int  `json:"HttpPort"`
	DicomPort            int  `json:"DicomPort"`
	DicomAet             string `json:"DicomAet"`
	HTTPServerEnabled    bool `json:"HttpServerEnabled"`
	DicomServerEnabled   bool `json:"DicomServerEnabled"`
	RemoteAccessAllowed  bool `json:"RemoteAccessAllowed"`
	AuthenticationEnabled bool `json:"AuthenticationEnabled"`
	KeepAlive            bool `json:"KeepAlive"`
	HTTPCompressionEnabled bool `json:"HttpCompressionEnabled"`
	HTTPDescribeErrors   bool `json:"HttpDescribeErrors"`
	SslEnabled           bool `json:"SslEnabled"`
	SslCertificate       string `json:"SslCertificate"`
	HTTPSVerifyPeers     bool `json:"HttpsVerifyPeers"`
	HTTPSCACertificates  string `json:"HttpsCACertificates"`

	StorageDirectory string `json:"StorageDirectory"`
	IndexDirectory   string `json:"IndexDirectory"`
	StoreDicom       bool   `json:"StoreDicom"`
	StorageCompression bool `json:"StorageCompression"`
	StoreMD5ForAttachments bool `json:"StoreMD5ForAttachments"`

	MaximumStorageSize  int64 `json:"MaximumStorageSize"` // MiB, 0 = disabled
	MaximumPatientCount int   `json:"MaximumPatientCount"`

	LimitFindResults   int `json:"LimitFindResults"`
	LimitFindInstances int `json:"LimitFindInstances"`

	CaseSensitivePN     bool `json:"CaseSensitivePN"`
	StrictAetComparison bool `json:"StrictAetComparison"`
	DicomCheckCalledAet bool `json:"DicomCheckCalledAet"`

	HTTPTimeoutSec int `json:"HttpTimeout"`

	LuaScripts []string `json:"LuaScripts"`
	Plugins    []string `json:"Plugins"`

	RegisteredUsers map[string]string `json:"RegisteredUsers"`
	DicomModalities map[string][]interface{} `json:"DicomModalities"`
	OrthancPeers    map[string]interface{}   `json:"OrthancPeers"`

	UserMetadata    map[string]int           `json:"UserMetadata"`
	UserContentType map[string]interface{}   `json:"UserContentType"`
	Dictionary      map[string]interface{}   `json:"Dictionary"`

	DeflatedTransferSyntaxAccepted bool `json:"DeflatedTransferSyntaxAccepted"`
	JpegTransferSyntaxAccepted     bool `json:"JpegTransferSyntaxAccepted"`
	Jpeg2000TransferSyntaxAccepted bool `json:"Jpeg2000TransferSyntaxAccepted"`
	JpegLosslessTransferSyntaxAccepted bool `json:"JpegLosslessTransferSyntaxAccepted"`
	JpipTransferSyntaxAccepted     bool `json:"JpipTransferSyntaxAccepted"`
	Mpeg2TransferSyntaxAccepted    bool `json:"Mpeg2TransferSyntaxAccepted"`
	RleTransferSyntaxAccepted      bool `json:"RleTransferSyntaxAccepted"`
	UnknownSopClassAccepted        bool `json:"UnknownSopClassAccepted"`

	// StableEventIdleTimeoutSec resolves the open question in spec.md §9:
	// StableStudy/Series/Patient are emitted after this many seconds of
	// child-instance quiescence.
	StableEventIdleTimeoutSec int `json:"StableEventIdleTimeout"`

	// ConfigDir records where the config was loaded from: the directory
	// itself, or the parent directory of a single config file.
	ConfigDir string `json:"-"`
}

// Default returns the configuration used when no file overrides a key,
// mirroring the teacher's practice of a fully-populated zero-value Config.
func Default() *Config {
	return &Config{
		HTTPPort:              8042,
		DicomPort:             4242,
		DicomAet:              "PACSD",
		HTTPServerEnabled:     true,
		DicomServerEnabled:    true,
		RemoteAccessAllowed:   false,
		AuthenticationEnabled: false,
		KeepAlive:             true,
		HTTPCompressionEnabled: true,
		HTTPDescribeErrors:    true,
		StorageDirectory:      "./OrthancStorage",
		IndexDirectory:        "./OrthancStorage",
		StoreDicom:            true,
		StorageCompression:    false,
		StoreMD5ForAttachments: true,
		MaximumStorageSize:    0,
		MaximumPatientCount:   0,
		LimitFindResults:      0,
		LimitFindInstances:    0,
		CaseSensitivePN:       false,
		StrictAetComparison:   false,
		DicomCheckCalledAet:   false,
		HTTPTimeoutSec:        60,
		StableEventIdleTimeoutSec: 60,
		RegisteredUsers:       map[string]string{},
		DicomModalities:       map[string][]interface{}{},
		OrthancPeers:          map[string]interface{}{},
		UserMetadata:          map[string]int{},
		UserContentType:       map[string]interface{}{},
		Dictionary:            map[string]interface{}{},
	}
}

// Load reads CONFIGURATION (spec.md §6): either a single JSON file, or a
// directory of *.json files merged non-destructively. A top-level key
// defined in more than one file is fatal (BadFileFormat), matching the
// teacher's fail-fast posture in cmn.LoadConfig when conflicting settings
// are detected across config sources.
func Load(path string) (*Config, error) {
	cfg := Default()
	files, err := collectFiles(path)
	if err != nil {
		return nil, err
	}
	seen := map[string]string{} // top-level key -> file that defined it
	merged := map[string]jsoniter.RawMessage{}
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			return nil, apierror.Wrap(apierror.InexistentFile, err, "cannot read config file %s", f)
		}
		var obj map[string]jsoniter.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, apierror.Wrap(apierror.BadFileFormat, err, "invalid JSON in %s", f)
		}
		for k, v := range obj {
			if prior, dup := seen[k]; dup {
				return nil, apierror.New(apierror.BadFileFormat,
					"configuration key %q defined in both %s and %s", k, prior, f)
			}
			seen[k] = f
			merged[k] = v
		}
	}
	full, err := json.Marshal(merged)
	if err != nil {
		return nil, apierror.Wrap(apierror.BadFileFormat, err, "failed to re-encode merged configuration")
	}
	if err := json.Unmarshal(full, cfg); err != nil {
		return nil, apierror.Wrap(apierror.BadFileFormat, err, "failed to decode merged configuration")
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		cfg.ConfigDir = path
	} else {
		cfg.ConfigDir = filepath.Dir(path)
	}
	return cfg, nil
}

func collectFiles(path string) ([]string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, apierror.Wrap(apierror.InexistentFile, err, "configuration path %s does not exist", path)
	}
	if !fi.IsDir() {
		return []string{path}, nil
	}
	var files []string
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, apierror.Wrap(apierror.InexistentFile, err, "cannot list configuration directory %s", path)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(path, e.Name()))
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, apierror.New(apierror.BadFileFormat, "no .json configuration files found in %s", path)
	}
	return files, nil
}

// WriteSample writes a fully-populated sample configuration file, backing
// the --config=FILE CLI flag (spec.md §6).
func WriteSample(path string) error {
	cfg := Default()
	buf, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}
