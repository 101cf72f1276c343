// Package analyzer inspects a document and selects a processing plan:
// chunking kind and sizes, markdown conversion, and whether the
// parallel executor should handle it.
package analyzer

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/hsn0918/enterprise-kb/internal/chunking"
	"github.com/hsn0918/enterprise-kb/internal/config"
	"github.com/hsn0918/enterprise-kb/internal/logger"
)

// ErrUnsupportedFileType is returned when the file type is unknown and
// the content does not decode as text.
var ErrUnsupportedFileType = errors.New("unsupported file type")

// FileType is the recognized document category.
type FileType string

const (
	FileTypePDF   FileType = "pdf"
	FileTypeDocx  FileType = "docx"
	FileTypeMD    FileType = "md"
	FileTypeTxt   FileType = "txt"
	FileTypeCode  FileType = "code"
	FileTypeHTML  FileType = "html"
	FileTypeTable FileType = "table"
	FileTypeOther FileType = "other"
)

// Complexity buckets drive the chunk-size policy table.
type Complexity string

const (
	ComplexityLow    Complexity = "LOW"
	ComplexityMedium Complexity = "MEDIUM"
	ComplexityHigh   Complexity = "HIGH"
)

// DocumentFeatures is what the analyzer extracts from raw content.
type DocumentFeatures struct {
	FileType        FileType   `json:"file_type"`
	SizeBytes       int64      `json:"size_bytes"`
	TextDensity     float64    `json:"text_density"`
	HasTables       bool       `json:"has_tables"`
	HasCode         bool       `json:"has_code"`
	HasImages       bool       `json:"has_images"`
	HeadingDepth    int        `json:"heading_depth"`
	Language        string     `json:"language"`
	EstimatedTokens int        `json:"estimated_tokens"`
	AvgSentenceLen  float64    `json:"avg_sentence_len"`
	Complexity      Complexity `json:"complexity"`
}

// ProcessingPlan is the analyzer's output: everything downstream stages
// need to process the document.
type ProcessingPlan struct {
	FileType          FileType          `json:"file_type"`
	Complexity        Complexity        `json:"complexity"`
	ChunkingKind      chunking.Kind     `json:"chunking_kind"`
	ChunkSize         int               `json:"chunk_size"`
	ChunkOverlap      int               `json:"chunk_overlap"`
	Language          chunking.Language `json:"language"`
	ConvertToMarkdown bool              `json:"convert_to_markdown"`
	UseParallel       bool              `json:"use_parallel"`
	SegmentStrategy   chunking.Strategy `json:"segment_strategy"`
	AllowPartial      bool              `json:"allow_partial"`
}

// Analyzer classifies documents against the configured thresholds.
type Analyzer struct {
	cfg config.Config
}

func New(cfg config.Config) *Analyzer {
	return &Analyzer{cfg: cfg}
}

var extToType = map[string]FileType{
	".pdf":      FileTypePDF,
	".docx":     FileTypeDocx,
	".doc":      FileTypeDocx,
	".md":       FileTypeMD,
	".markdown": FileTypeMD,
	".txt":      FileTypeTxt,
	".text":     FileTypeTxt,
	".html":     FileTypeHTML,
	".htm":      FileTypeHTML,
	".csv":      FileTypeTable,
	".tsv":      FileTypeTable,
	".xlsx":     FileTypeTable,
	".go":       FileTypeCode,
	".py":       FileTypeCode,
	".js":       FileTypeCode,
	".ts":       FileTypeCode,
	".java":     FileTypeCode,
	".rs":       FileTypeCode,
	".c":        FileTypeCode,
	".cpp":      FileTypeCode,
	".sh":       FileTypeCode,
	".sql":      FileTypeCode,
	".json":     FileTypeCode,
	".yaml":     FileTypeCode,
	".yml":      FileTypeCode,
}

// DetectFileType maps a path to its document category. Unknown
// extensions fall back to txt when the content decodes as UTF-8 text,
// otherwise ErrUnsupportedFileType.
func DetectFileType(path string, content []byte) (FileType, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := extToType[ext]; ok {
		return t, nil
	}
	if utf8.Valid(content) && len(content) > 0 {
		return FileTypeTxt, nil
	}
	return FileTypeOther, fmt.Errorf("%w: %s", ErrUnsupportedFileType, ext)
}

// Analyze extracts features and derives the processing plan.
func (a *Analyzer) Analyze(path string, content []byte) (DocumentFeatures, ProcessingPlan, error) {
	fileType, err := DetectFileType(path, content)
	if err != nil {
		return DocumentFeatures{}, ProcessingPlan{}, err
	}

	features := extractFeatures(fileType, content)
	features.Complexity = classify(features)
	plan := a.plan(features)

	logger.Get().Debug("document analyzed",
		zap.String("path", path),
		zap.String("file_type", string(fileType)),
		zap.String("complexity", string(features.Complexity)),
		zap.String("chunking_kind", string(plan.ChunkingKind)),
		zap.Bool("use_parallel", plan.UseParallel),
	)
	return features, plan, nil
}

func extractFeatures(fileType FileType, content []byte) DocumentFeatures {
	text := string(content)
	features := DocumentFeatures{
		FileType:  fileType,
		SizeBytes: int64(len(content)),
	}

	lines := 0
	nonBlank := 0
	inFence := false
	maxHeading := 0
	var sentenceRunes, sentenceCount int

	for line := range strings.Lines(text) {
		lines++
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			nonBlank++
		}
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			features.HasCode = true
			continue
		}
		if inFence {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			depth := 0
			for depth < len(trimmed) && trimmed[depth] == '#' {
				depth++
			}
			if depth <= 6 && depth > maxHeading {
				maxHeading = depth
			}
		}
		if strings.HasPrefix(trimmed, "|") && strings.HasSuffix(trimmed, "|") {
			features.HasTables = true
		}
		if strings.Contains(trimmed, "![") {
			features.HasImages = true
		}
		for _, r := range trimmed {
			sentenceRunes++
			if r == '.' || r == '。' || r == '!' || r == '！' || r == '?' || r == '？' {
				sentenceCount++
			}
		}
	}

	features.HeadingDepth = maxHeading
	if fileType == FileTypeCode {
		features.HasCode = true
	}
	if fileType == FileTypeTable {
		features.HasTables = true
	}
	if lines > 0 {
		features.TextDensity = float64(nonBlank) / float64(lines)
	}
	if sentenceCount > 0 {
		features.AvgSentenceLen = float64(sentenceRunes) / float64(sentenceCount)
	} else {
		features.AvgSentenceLen = float64(sentenceRunes)
	}

	// Rough token estimate: CJK runs close to one token per rune, latin
	// text close to one per four bytes.
	runes := utf8.RuneCount(content)
	if looksCJK(text) {
		features.EstimatedTokens = runes
		features.Language = "chinese"
	} else {
		features.EstimatedTokens = len(content) / 4
		features.Language = "english"
	}
	return features
}

func looksCJK(text string) bool {
	const sample = 512
	cjk, total := 0, 0
	for _, r := range text {
		if total >= sample {
			break
		}
		if r == ' ' || r == '\n' || r == '\t' {
			continue
		}
		total++
		if r >= 0x4e00 && r <= 0x9fff {
			cjk++
		}
	}
	return total > 0 && cjk*3 > total
}

// classify buckets complexity from size, structural richness and token
// estimate. Two or more signals promote a bucket.
func classify(f DocumentFeatures) Complexity {
	score := 0
	if f.SizeBytes >= 512<<10 {
		score++
	}
	if f.SizeBytes >= 4<<20 {
		score++
	}
	if f.EstimatedTokens >= 50_000 {
		score++
	}
	if f.HasTables {
		score++
	}
	if f.HasCode {
		score++
	}
	if f.HeadingDepth >= 3 {
		score++
	}
	switch {
	case score >= 3:
		return ComplexityHigh
	case score >= 1:
		return ComplexityMedium
	default:
		return ComplexityLow
	}
}

// sizeTable keys chunk size and overlap by file type and complexity.
type sizing struct{ size, overlap int }

var sizeTable = map[FileType]map[Complexity]sizing{
	FileTypeMD: {
		ComplexityLow:    {1024, 20},
		ComplexityMedium: {1024, 50},
		ComplexityHigh:   {1536, 100},
	},
	FileTypeCode: {
		ComplexityLow:    {1536, 0},
		ComplexityMedium: {2048, 0},
		ComplexityHigh:   {2048, 0},
	},
	FileTypeTable: {
		ComplexityLow:    {2048, 0},
		ComplexityMedium: {2048, 0},
		ComplexityHigh:   {3072, 0},
	},
	FileTypePDF: {
		ComplexityLow:    {1024, 50},
		ComplexityMedium: {1024, 100},
		ComplexityHigh:   {1536, 150},
	},
}

func (a *Analyzer) plan(f DocumentFeatures) ProcessingPlan {
	plan := ProcessingPlan{
		FileType:     f.FileType,
		Complexity:   f.Complexity,
		ChunkSize:    a.cfg.Chunking.ChunkSize,
		ChunkOverlap: a.cfg.Chunking.ChunkOverlap,
	}
	if f.Language == "chinese" {
		plan.Language = chunking.LangChinese
	} else {
		plan.Language = chunking.LangEnglish
	}

	switch {
	case f.FileType == FileTypeMD && f.HeadingDepth >= 2 && f.SizeBytes > 8<<10:
		plan.ChunkingKind = chunking.KindHierarchical
	case f.FileType == FileTypeMD:
		plan.ChunkingKind = chunking.KindMarkdown
	case f.FileType == FileTypeCode:
		plan.ChunkingKind = chunking.KindCode
	case f.FileType == FileTypeTable:
		plan.ChunkingKind = chunking.KindTable
	case f.HeadingDepth >= 2:
		plan.ChunkingKind = chunking.KindHierarchical
	default:
		plan.ChunkingKind = chunking.KindSemantic
	}

	if byType, ok := sizeTable[f.FileType]; ok {
		if s, ok := byType[f.Complexity]; ok {
			plan.ChunkSize = s.size
			plan.ChunkOverlap = s.overlap
		}
	}
	// Long sentences need more overlap to avoid cutting thoughts apart.
	if f.AvgSentenceLen > 200 && plan.ChunkOverlap > 0 {
		plan.ChunkOverlap = plan.ChunkOverlap * 2
		if plan.ChunkOverlap > plan.ChunkSize/4 {
			plan.ChunkOverlap = plan.ChunkSize / 4
		}
	}

	switch f.FileType {
	case FileTypePDF, FileTypeDocx, FileTypeHTML:
		plan.ConvertToMarkdown = f.Complexity != ComplexityLow
	}

	if a.cfg.Parallel.Enabled {
		plan.UseParallel = f.SizeBytes >= a.cfg.Parallel.SizeThreshold ||
			f.EstimatedTokens >= a.cfg.Parallel.TokenThreshold
	}
	plan.SegmentStrategy = chunking.Strategy(a.cfg.Parallel.ChunkStrategy)
	if f.HeadingDepth > 0 || f.HasCode || f.HasTables {
		plan.SegmentStrategy = chunking.StrategySemantic
	}
	return plan
}
