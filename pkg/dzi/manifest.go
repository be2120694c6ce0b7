package dzi

// Manifest is the deep-zoom manifest the agent writes next to each
// slide's derived artefacts and serves to viewers.
type Manifest struct {
	Protocol        string   `json:"protocol"`
	TileSize        int      `json:"tileSize"`
	Overlap         int      `json:"overlap"`
	Format          string   `json:"format"`
	Width           int      `json:"width"`
	Height          int      `json:"height"`
	LevelMin        int      `json:"levelMin"`
	LevelMax        int      `json:"levelMax"`
	TilePathPattern string   `json:"tilePathPattern"`
	TileURLTemplate string   `json:"tileUrlTemplate,omitempty"`
	OnDemand        bool     `json:"onDemand"`
	AppMag          *float64 `json:"appMag"`
	MPP             *float64 `json:"mpp"`
}

// NewManifest returns the local manifest for a slide of the given
// dimensions. tileURLTemplate is the HTTP route viewers fetch tiles
// from; onDemand flags that tiles may not be materialised yet.
func NewManifest(width, height int, tileURLTemplate string, onDemand bool, appMag, mpp *float64) Manifest {
	return Manifest{
		Protocol:        "dzi",
		TileSize:        TileSize,
		Overlap:         0,
		Format:          "jpg",
		Width:           width,
		Height:          height,
		LevelMin:        0,
		LevelMax:        MaxLevel(width, height),
		TilePathPattern: "tiles/{z}/{x}_{y}.jpg",
		TileURLTemplate: tileURLTemplate,
		OnDemand:        onDemand,
		AppMag:          appMag,
		MPP:             mpp,
	}
}

// StorageInfo identifies the object-store location a remote manifest
// was published to.
type StorageInfo struct {
	Provider string `json:"provider"`
	Bucket   string `json:"bucket"`
	Region   string `json:"region"`
	Endpoint string `json:"endpoint,omitempty"`
	Prefix   string `json:"prefix"`
}

// RemoteManifest is the manifest uploaded beside a published preview
// pyramid. Width/Height/LevelMax describe the rebased pyramid; the
// original dimensions are carried for reference only.
type RemoteManifest struct {
	Manifest

	OriginalWidth    int         `json:"originalWidth"`
	OriginalHeight   int         `json:"originalHeight"`
	OriginalLevelMax int         `json:"originalLevelMax"`
	Storage          StorageInfo `json:"storage"`
	TilesPrefix      string      `json:"tilesPrefix"`
}
