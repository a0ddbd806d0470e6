package objectkey

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Generator defines the interface for object key generation strategies
type Generator interface {
	// GenerateKey creates the storage key of an asset or one of its derivatives
	GenerateKey(assetID uuid.UUID, metadata *KeyMetadata) string
}

// KeyMetadata contains information that influences key generation
type KeyMetadata struct {
	OwnerType string
	OwnerID   uuid.UUID
	FileName  string

	// Variant is empty for the raw upload, otherwise the derivative name
	// ("converted", "small", ...)
	Variant string
	// Ext overrides the file extension of derivatives (".jpg")
	Ext string
}

// FlatGenerator keeps every file of an asset under one owner directory:
// {owner_type}/{owner_id}/{asset_id}/{file}
type FlatGenerator struct{}

func NewFlatGenerator() *FlatGenerator {
	return &FlatGenerator{}
}

func (g *FlatGenerator) GenerateKey(assetID uuid.UUID, metadata *KeyMetadata) string {
	if metadata == nil {
		return fmt.Sprintf("assets/%s", assetID)
	}
	dir := fmt.Sprintf("%s/%s/%s", sanitizePathComponent(metadata.OwnerType), metadata.OwnerID, assetID)
	if metadata.Variant != "" {
		return fmt.Sprintf("%s/%s%s", dir, sanitizePathComponent(metadata.Variant), derivativeExt(metadata))
	}
	if metadata.FileName != "" {
		return fmt.Sprintf("%s/%s", dir, sanitizeFilename(metadata.FileName))
	}
	return dir + "/original"
}

// ShardedGenerator spreads raw files and derivatives over sharded directories
// keyed by the asset id:
//
//	Raw:        media/{owner_type}/originals/ab/cd1234ef..._filename
//	Derivative: media/{owner_type}/derived/{variant}/ab/cd1234ef....jpg
type ShardedGenerator struct {
	// ShardLength controls how many characters to use for sharding (default: 2)
	ShardLength int
}

func NewShardedGenerator() *ShardedGenerator {
	return &ShardedGenerator{ShardLength: 2}
}

func (g *ShardedGenerator) GenerateKey(assetID uuid.UUID, metadata *KeyMetadata) string {
	idStr := strings.ReplaceAll(assetID.String(), "-", "")
	shardLen := g.ShardLength
	if shardLen <= 0 || shardLen > len(idStr) {
		shardLen = 2
	}
	shard, rest := idStr[:shardLen], idStr[shardLen:]

	ownerType := "asset"
	if metadata != nil && metadata.OwnerType != "" {
		ownerType = sanitizePathComponent(metadata.OwnerType)
	}

	if metadata != nil && metadata.Variant != "" {
		return fmt.Sprintf("media/%s/derived/%s/%s/%s%s",
			ownerType, sanitizePathComponent(metadata.Variant), shard, rest, derivativeExt(metadata))
	}

	filename := rest
	if metadata != nil && metadata.FileName != "" {
		filename = fmt.Sprintf("%s_%s", rest, sanitizeFilename(metadata.FileName))
	}
	return fmt.Sprintf("media/%s/originals/%s/%s", ownerType, shard, filename)
}

// FuncGenerator allows callers to provide their own key generation function
type FuncGenerator func(assetID uuid.UUID, metadata *KeyMetadata) string

func (f FuncGenerator) GenerateKey(assetID uuid.UUID, metadata *KeyMetadata) string {
	return f(assetID, metadata)
}

// NewDefaultGenerator returns the generator used when none is configured
func NewDefaultGenerator() Generator {
	return NewShardedGenerator()
}

func derivativeExt(metadata *KeyMetadata) string {
	if metadata.Ext != "" {
		if strings.HasPrefix(metadata.Ext, ".") {
			return strings.ToLower(metadata.Ext)
		}
		return "." + strings.ToLower(metadata.Ext)
	}
	return ".jpg"
}

var filenameReplacer = strings.NewReplacer(
	"/", "_",
	"\\", "_",
	":", "_",
	"*", "_",
	"?", "_",
	"\"", "_",
	"<", "_",
	">", "_",
	"|", "_",
	" ", "_",
)

func sanitizeFilename(filename string) string {
	// Drop any directory part a temp key or remote URL carried along
	filename = path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if filename == "." || filename == "/" {
		return "file"
	}
	return filenameReplacer.Replace(filename)
}

func sanitizePathComponent(component string) string {
	return strings.ToLower(filenameReplacer.Replace(component))
}
