package analysis

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/aaronbmoore/hobbes-processor/pkg/codeanalysis"
	"github.com/aaronbmoore/hobbes-processor/pkg/pipeline"
)

var languageByExtension = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".java": "java",
	".cpp":  "cpp",
	".h":    "cpp",
	".cs":   "csharp",
	".go":   "go",
	".rb":   "ruby",
}

// SegmentPayload is stored next to every vector.
type SegmentPayload struct {
	SegmentInfo  SegmentInfo `json:"segment_info"`
	FileContext  FileContext `json:"file_context"`
	GitContext   GitContext  `json:"git_context"`
	CodeAnalysis interface{} `json:"code_analysis"`
	Filters      Filters     `json:"filters"`
}

type SegmentInfo struct {
	ID           string `json:"id"`
	RepositoryID int64  `json:"repository_id"`
	FilePath     string `json:"file_path"`
	ContentHash  string `json:"content_hash"`
	SegmentType  string `json:"segment_type"`
	SizeBytes    int    `json:"size_bytes"`
	LineCount    int    `json:"line_count"`
}

type FileContext struct {
	Path      string `json:"path"`
	Language  string `json:"language"`
	Type      string `json:"type"`
	Extension string `json:"extension"`
	Directory string `json:"directory"`
}

type GitContext struct {
	RepositoryURL string  `json:"repository_url"`
	Branch        string  `json:"branch"`
	CommitSHA     string  `json:"commit_sha"`
	CommitMessage string  `json:"commit_message"`
	Author        string  `json:"author"`
	CommittedAt   string  `json:"committed_at"`
	FileSHA       string  `json:"file_sha"`
	PreviousSHA   *string `json:"previous_sha"`
}

type Filters struct {
	Language     string   `json:"language"`
	PatternTypes []string `json:"pattern_types"`
	Layer        string   `json:"layer"`
	ProjectID    int64    `json:"project_id"`
	RepositoryID int64    `json:"repository_id"`
}

// BuildPayload assembles the payload for one stored file. analysis may be nil.
func BuildPayload(id string, m pipeline.Manifest, file pipeline.ManifestFile, content []byte, analysis *codeanalysis.Analysis) SegmentPayload {
	ext := strings.ToLower(path.Ext(file.Path))
	language := languageByExtension[ext]
	fileType := "source"
	layer := ""
	var code interface{} = map[string]interface{}{}
	if analysis != nil {
		if name := strings.ToLower(strings.TrimSpace(analysis.Language.Name)); name != "" {
			language = name
		}
		if analysis.FileType.Type != "" {
			fileType = analysis.FileType.Type
		}
		layer = analysis.ArchitecturalContext.Layer
		code = analysis
	}
	if language == "" {
		language = "unknown"
	}

	dir := path.Dir(file.Path)
	if dir == "." {
		dir = ""
	}

	return SegmentPayload{
		SegmentInfo: SegmentInfo{
			ID:           id,
			RepositoryID: m.Repository.ID,
			FilePath:     file.Path,
			ContentHash:  pipeline.ContentHash(content),
			SegmentType:  "file",
			SizeBytes:    len(content),
			LineCount:    lineCount(content),
		},
		FileContext: FileContext{
			Path:      file.Path,
			Language:  language,
			Type:      fileType,
			Extension: ext,
			Directory: dir,
		},
		GitContext: GitContext{
			RepositoryURL: m.Repository.URL,
			Branch:        m.Repository.Branch,
			CommitSHA:     m.CommitInfo.SHA,
			CommitMessage: m.CommitInfo.Message,
			Author:        m.CommitInfo.Author,
			CommittedAt:   m.CommitInfo.Timestamp,
			FileSHA:       file.SHA,
			PreviousSHA:   file.PreviousSHA,
		},
		CodeAnalysis: code,
		Filters: Filters{
			Language:     language,
			PatternTypes: analysis.PatternNames(),
			Layer:        layer,
			ProjectID:    m.Repository.ProjectID,
			RepositoryID: m.Repository.ID,
		},
	}
}

// Map converts the payload to the generic form vector stores accept.
func (p SegmentPayload) Map() (map[string]interface{}, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func lineCount(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	n := strings.Count(string(content), "\n")
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}
