package codeanalysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleReply = "Here is the analysis:\n```json\n" + `{"code_analysis":{
	"language":{"name":"Go","confidence":0.98,"reasoning":["package clause"]},
	"file_type":{"type":"source","subtype":"library","confidence":0.9,"reasoning":[]},
	"primary_purpose":{"purpose":"HTTP routing","confidence":0.8,"reasoning":[]},
	"detected_patterns":[{"name":"middleware","confidence":0.7,"reasoning":[]},{"name":"factory","confidence":0.6,"reasoning":[]}],
	"dependencies":{"imports":[{"name":"net/http","type":"external","purpose":"server"}],"components":[],"services":[]},
	"code_structure":{"classes":[],"functions":[{"name":"New","purpose":"constructor","complexity":"low"}]},
	"features":["routing"],
	"architectural_context":{"layer":"presentation","patterns":[],"dependencies":[]}
}}` + "\n```"

func TestParseResponse(t *testing.T) {
	analysis, err := ParseResponse(sampleReply)
	require.NoError(t, err)
	assert.Equal(t, "Go", analysis.Language.Name)
	assert.Equal(t, "source", analysis.FileType.Type)
	assert.Equal(t, []string{"middleware", "factory"}, analysis.PatternNames())
	assert.Equal(t, "presentation", analysis.ArchitecturalContext.Layer)

	_, err = ParseResponse("no json here")
	require.Error(t, err)
}

func TestAnthropicAnalyze(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, defaultAnthropicModel, req.Model)
		require.Len(t, req.Messages, 1)
		assert.True(t, strings.Contains(req.Messages[0].Content, "File Path: router.go"))

		reply, _ := json.Marshal(map[string]interface{}{
			"content": []map[string]string{{"type": "text", "text": sampleReply}},
		})
		_, _ = w.Write(reply)
	}))
	defer server.Close()

	analyzer, err := New(Config{Provider: "anthropic", BaseURL: server.URL, APIKey: "sk-ant"}, nil)
	require.NoError(t, err)
	analysis, err := analyzer.Analyze(context.Background(), Request{Path: "router.go", Content: "package router", RepositoryURL: "https://github.com/acme/api"})
	require.NoError(t, err)
	assert.Equal(t, "HTTP routing", analysis.PrimaryPurpose.Purpose)
}

func TestNewNoneDisablesAnalysis(t *testing.T) {
	analyzer, err := New(Config{Provider: "none"}, nil)
	require.NoError(t, err)
	assert.Nil(t, analyzer)

	_, err = New(Config{Provider: "bard"}, nil)
	require.Error(t, err)
}

func TestPatternNamesNil(t *testing.T) {
	var analysis *Analysis
	assert.Equal(t, []string{}, analysis.PatternNames())
}
