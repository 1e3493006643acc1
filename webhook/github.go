// Package webhook receives GitHub deliveries for tracked repositories and
// enqueues the translated commit messages.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/go-playground/webhooks/v6/github"

	"github.com/aaronbmoore/hobbes-processor/internal"
	"github.com/aaronbmoore/hobbes-processor/pkg/githubevent"
	"github.com/aaronbmoore/hobbes-processor/pkg/pipeline"
	"github.com/aaronbmoore/hobbes-processor/pkg/storage"
)

const provider = "github"

var githubEvents = []github.Event{
	github.PushEvent,
	github.CreateEvent,
	github.PingEvent,
}

// GitHubOptions wires a GitHubHandler. Store, Publisher and Topic are required.
type GitHubOptions struct {
	// PathPrefix precedes the repository id in the request path.
	PathPrefix   string
	Store        storage.Store
	Publisher    internal.Publisher
	Topic        string
	Rules        *internal.RuleEngine
	Metrics      *internal.Metrics
	MaxBodyBytes int64
	Logger       *log.Logger
	Now          func() time.Time
}

type GitHubHandler struct {
	hook      *github.Webhook
	prefix    string
	store     storage.Store
	publisher internal.Publisher
	topic     string
	rules     *internal.RuleEngine
	metrics   *internal.Metrics
	maxBody   int64
	logger    *log.Logger
	now       func() time.Time
}

func NewGitHubHandler(opts GitHubOptions) (*GitHubHandler, error) {
	if opts.Store == nil || opts.Publisher == nil || opts.Topic == "" {
		return nil, errors.New("github handler requires store, publisher and topic")
	}
	// Signatures are checked per repository before parsing, so the parser
	// itself runs without a secret.
	hook, err := github.New()
	if err != nil {
		return nil, err
	}

	h := &GitHubHandler{
		hook:      hook,
		prefix:    opts.PathPrefix,
		store:     opts.Store,
		publisher: opts.Publisher,
		topic:     opts.Topic,
		rules:     opts.Rules,
		metrics:   opts.Metrics,
		maxBody:   opts.MaxBodyBytes,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if h.prefix == "" {
		h.prefix = "/webhooks/github/"
	}
	if h.logger == nil {
		h.logger = internal.NewLogger("webhook")
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h, nil
}

type response struct {
	Status    string  `json:"status,omitempty"`
	MessageID *string `json:"message_id"`
}

func (h *GitHubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(githubevent.DeliveryHeader)
	if requestID == "" {
		requestID = watermill.NewUUID()
	}
	h.metrics.IncRequest(provider)

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	repoID, err := strconv.ParseInt(strings.Trim(strings.TrimPrefix(r.URL.Path, h.prefix), "/"), 10, 64)
	if err != nil || repoID <= 0 {
		writeError(w, http.StatusNotFound, "Repository not found")
		return
	}

	body := r.Body
	if h.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	rawBody, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	target, err := h.store.LookupTarget(r.Context(), repoID)
	switch {
	case errors.Is(err, storage.ErrRepositoryNotFound):
		h.logger.Printf("repository %d not tracked request_id=%s", repoID, requestID)
		writeError(w, http.StatusNotFound, "Repository not found")
		return
	case errors.Is(err, storage.ErrAccountNotFound):
		h.logger.Printf("repository %d has no active account request_id=%s", repoID, requestID)
		writeError(w, http.StatusNotFound, "Git account not found")
		return
	case err != nil:
		h.logger.Printf("repository %d lookup failed request_id=%s: %v", repoID, requestID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	// Repositories without a secret accept unsigned deliveries.
	if secret := target.Repository.WebhookSecret; secret != "" && !githubevent.VerifySignature(rawBody, r.Header.Get(githubevent.SignatureHeader), secret) {
		h.logger.Printf("repository %d signature rejected request_id=%s", repoID, requestID)
		writeError(w, http.StatusUnauthorized, "Invalid webhook signature")
		return
	}

	eventName := r.Header.Get(githubevent.EventHeader)
	if !isHandled(eventName) {
		h.logger.Printf("repository %d event %q ignored request_id=%s", repoID, eventName, requestID)
		writeJSON(w, http.StatusOK, response{Status: "success"})
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(rawBody))
	payload, err := h.hook.Parse(r, githubEvents...)
	if err != nil {
		h.metrics.IncParseError(provider)
		h.logger.Printf("github parse failed request_id=%s: %v", requestID, err)
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	tgt, err := translateTarget(target)
	if err != nil {
		h.logger.Printf("repository %d file patterns invalid request_id=%s: %v", repoID, requestID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	var msg *pipeline.QueueMessage
	switch pl := payload.(type) {
	case github.PingPayload:
		writeJSON(w, http.StatusOK, response{Status: "success"})
		return
	case github.PushPayload:
		msg = githubevent.TranslatePush(githubevent.FromPushPayload(pl), tgt, h.now())
	case github.CreatePayload:
		msg = githubevent.TranslateCreate(githubevent.FromCreatePayload(pl), tgt, h.now())
	}
	if msg == nil {
		h.logger.Printf("repository %d %s produced no message request_id=%s", repoID, eventName, requestID)
		writeJSON(w, http.StatusOK, response{Status: "success"})
		return
	}

	id, err := h.enqueue(r, *msg, requestID)
	if err != nil {
		h.logger.Printf("repository %d enqueue failed request_id=%s: %v", repoID, requestID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.logger.Printf("repository %d %s enqueued message_id=%s files=%d request_id=%s",
		repoID, msg.EventType, id, len(msg.FileChanges), requestID)
	writeJSON(w, http.StatusOK, response{Status: "success", MessageID: &id})
}

// enqueue sends msg to the file-processing topic, then to any topics chosen
// by the routing rules. Only the first send decides the outcome.
func (h *GitHubHandler) enqueue(r *http.Request, msg pipeline.QueueMessage, requestID string) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	event := internal.Event{
		ID:         watermill.NewUUID(),
		Provider:   provider,
		Name:       string(msg.EventType),
		RequestID:  requestID,
		RawPayload: raw,
	}
	if err := h.publisher.Publish(r.Context(), h.topic, event); err != nil {
		return "", err
	}

	for _, match := range h.rules.Evaluate(event) {
		routed := event
		routed.ID = watermill.NewUUID()
		if err := h.publisher.PublishForDrivers(r.Context(), match.Topic, routed, match.Drivers); err != nil {
			h.logger.Printf("publish %s failed request_id=%s: %v", match.Topic, requestID, err)
		}
	}
	return event.ID, nil
}

func translateTarget(target *storage.Target) (githubevent.Target, error) {
	repo := target.Repository
	tgt := githubevent.Target{
		RepositoryID:  repo.ID,
		ProjectID:     repo.ProjectID,
		GitAccountID:  repo.GitAccountID,
		RepositoryURL: repo.RepositoryURL,
		Branch:        repo.Branch,
	}
	if repo.FilePatterns != nil {
		filter, err := githubevent.NewFilter(repo.FilePatterns.Include, repo.FilePatterns.Exclude)
		if err != nil {
			return tgt, err
		}
		tgt.Filter = filter
	}
	return tgt, nil
}

func isHandled(event string) bool {
	for _, e := range githubEvents {
		if string(e) == event {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
