package pipeline

// ManifestNotification announces a persisted manifest to the analysis stage.
type ManifestNotification struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// ErrorArtifact is written for every file that could not be stored.
type ErrorArtifact struct {
	RepositoryID int64  `json:"repository_id"`
	CommitSHA    string `json:"commit_sha"`
	Path         string `json:"path"`
	SHA          string `json:"sha"`
	Error        string `json:"error"`
	ErrorType    string `json:"error_type"`
	Attempts     int    `json:"attempts"`
	Timestamp    string `json:"timestamp"`
}
