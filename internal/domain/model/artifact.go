package model

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// ArtifactTimeLayout is the timestamp layout embedded in artifact names.
const ArtifactTimeLayout = "20060102150405"

// ArtifactName builds "<item>_<BackupType>_<timestamp>.<ext>". The timestamp is rendered in UTC.
func ArtifactName(item string, bt BackupType, at time.Time, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	name := fmt.Sprintf("%s_%s_%s", item, bt, at.UTC().Format(ArtifactTimeLayout))
	if ext == "" {
		return name
	}
	return name + "." + ext
}

// ArtifactInfo is the parsed form of an artifact name.
type ArtifactInfo struct {
	Item       string
	BackupType BackupType
	Timestamp  time.Time
}

// ParseArtifactName reverses ArtifactName. Any directory prefix and trailing extensions are ignored.
// Item names may themselves contain underscores and dots.
func ParseArtifactName(name string) (ArtifactInfo, bool) {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))

	ts := strings.LastIndexByte(base, '_')
	if ts <= 0 || len(base)-ts-1 < len(ArtifactTimeLayout) {
		return ArtifactInfo{}, false
	}
	stamp := base[ts+1 : ts+1+len(ArtifactTimeLayout)]
	if tail := base[ts+1+len(ArtifactTimeLayout):]; tail != "" && tail[0] != '.' {
		return ArtifactInfo{}, false
	}
	at, err := time.Parse(ArtifactTimeLayout, stamp)
	if err != nil {
		return ArtifactInfo{}, false
	}

	rest := base[:ts]
	bi := strings.LastIndexByte(rest, '_')
	if bi <= 0 {
		return ArtifactInfo{}, false
	}
	bt := BackupType(rest[bi+1:])
	if !bt.Valid() {
		return ArtifactInfo{}, false
	}

	return ArtifactInfo{Item: rest[:bi], BackupType: bt, Timestamp: at}, true
}
