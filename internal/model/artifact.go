package model

import (
	"bytes"
	"unicode/utf8"

	"buildpulse/internal/model/basemodel"
)

// ArtifactFormat 产物内容格式，决定报告中的展示方式
type ArtifactFormat string

const (
	ArtifactPNG    ArtifactFormat = "png"
	ArtifactSVG    ArtifactFormat = "svg"
	ArtifactText   ArtifactFormat = "text"
	ArtifactBinary ArtifactFormat = "binary"
	ArtifactEmpty  ArtifactFormat = "empty"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// Artifact 构建产物，与构建记录一起保存
type Artifact struct {
	basemodel.BaseModel
	BuildID  string `json:"build_id" gorm:"size:512;not null;uniqueIndex:idx_artifact_build_path"`
	Path     string `json:"path" gorm:"size:255;not null;uniqueIndex:idx_artifact_build_path"`
	Contents []byte `json:"-" gorm:"type:longblob"`
}

func (Artifact) TableName() string {
	return "artifacts"
}

// Format 按内容识别格式
func (a Artifact) Format() ArtifactFormat {
	switch {
	case len(a.Contents) == 0:
		return ArtifactEmpty
	case bytes.HasPrefix(a.Contents, pngMagic):
		return ArtifactPNG
	case !utf8.Valid(a.Contents):
		return ArtifactBinary
	case bytes.Contains(a.Contents, []byte("<svg")):
		return ArtifactSVG
	default:
		return ArtifactText
	}
}

// Info 产物摘要，不含内容
func (a Artifact) Info() ArtifactInfo {
	return ArtifactInfo{Path: a.Path, Format: a.Format(), Size: len(a.Contents)}
}

// ArtifactInfo 报告与接口中展示的产物信息
type ArtifactInfo struct {
	Path     string         `json:"path" yaml:"path"`
	Format   ArtifactFormat `json:"format" yaml:"format"`
	Size     int            `json:"size" yaml:"size"`
	Contents []byte         `json:"-" yaml:"-"` // 仅 HTML 报告内嵌使用
}
