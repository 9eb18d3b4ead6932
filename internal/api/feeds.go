package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/energino-core/internal/audit"
	"github.com/nerrad567/energino-core/internal/command"
	"github.com/nerrad567/energino-core/internal/feed"
)

// itemsPerPage is reported by the list endpoint; the list is not paged.
const itemsPerPage = 100

// commandTimeout bounds a proxied datastream write.
const commandTimeout = 10 * time.Second

type feedList struct {
	Results      []feed.Feed `json:"results"`
	TotalResults int         `json:"totalResults"`
	StartIndex   int         `json:"startIndex"`
	ItemsPerPage int         `json:"itemsPerPage"`
}

// feedsResource serves /feeds.
type feedsResource struct {
	s *Server
}

func (fr *feedsResource) Get(w http.ResponseWriter, _ *http.Request, path []string) {
	switch len(path) {
	case 0:
		feeds := fr.s.registry.List()
		writeJSON(w, http.StatusOK, feedList{
			Results:      feeds,
			TotalResults: len(feeds),
			StartIndex:   0,
			ItemsPerPage: itemsPerPage,
		})
	case 1:
		id, ok := feedID(w, path[0])
		if !ok {
			return
		}
		f, err := fr.s.registry.Get(id)
		if err != nil {
			writeFeedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	default:
		writeNotFound(w, "no such resource")
	}
}

func (fr *feedsResource) Post(w http.ResponseWriter, r *http.Request, path []string) {
	if len(path) != 0 {
		writeMethodNotAllowed(w)
		return
	}
	fields, ok := decodeObject(w, r)
	if !ok {
		return
	}

	f, err := fr.s.registry.Create(fields)
	if err != nil {
		writeFeedError(w, err)
		return
	}

	id := strconv.Itoa(f.ID)
	fr.s.auditLog(audit.ActionCreate, id, map[string]any{"title": f.Title})
	w.Header().Set("Location", "/feeds/"+id)
	writeJSON(w, http.StatusCreated, f)
}

func (fr *feedsResource) Put(w http.ResponseWriter, r *http.Request, path []string) {
	switch len(path) {
	case 1:
		fr.update(w, r, path[0])
	case 3:
		fr.write(w, r, path[0], path[1], path[2])
	default:
		writeNotFound(w, "no such resource")
	}
}

// update applies an agent report. The caller's host becomes the source
// address and its User-Agent the source agent.
func (fr *feedsResource) update(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := feedID(w, rawID)
	if !ok {
		return
	}
	partial, ok := decodeObject(w, r)
	if !ok {
		return
	}

	f, err := fr.s.ingest.Apply(id, partial, remoteHost(r), r.UserAgent())
	if err != nil {
		writeFeedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// write forwards a datastream value to the agent serving the feed and
// relays its answer.
func (fr *feedsResource) write(w http.ResponseWriter, r *http.Request, rawID, stream, value string) {
	id, ok := feedID(w, rawID)
	if !ok {
		return
	}
	f, err := fr.s.registry.Get(id)
	if err != nil {
		writeFeedError(w, err)
		return
	}
	if fr.s.commands == nil {
		writeError(w, http.StatusInternalServerError, ErrCodeRemote, "command channel not configured")
		return
	}
	addr := command.DutyCycleAddress(f)
	if addr == "" {
		writeError(w, http.StatusInternalServerError, ErrCodeRemote, "feed has no known agent address")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	res := fr.s.commands.Write(ctx, addr, stream, value)

	details := map[string]any{
		"datastream": stream,
		"value":      value,
		"address":    addr,
		"outcome":    string(res.Outcome),
	}
	if !res.OK() {
		fr.s.auditLog(audit.ActionCommandFailed, rawID, details)
		msg := "remote delivery failed"
		if errors.Is(res.Err, command.ErrTimeout) {
			msg = "remote delivery timed out"
		}
		writeError(w, http.StatusInternalServerError, ErrCodeRemote, msg)
		return
	}
	fr.s.auditLog(audit.ActionCommand, rawID, details)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write to response
	w.Write(res.Body)
}

func (fr *feedsResource) Delete(w http.ResponseWriter, _ *http.Request, path []string) {
	if len(path) != 1 {
		writeMethodNotAllowed(w)
		return
	}
	id, ok := feedID(w, path[0])
	if !ok {
		return
	}
	if err := fr.s.registry.Delete(id); err != nil {
		writeFeedError(w, err)
		return
	}
	fr.s.auditLog(audit.ActionDelete, path[0], nil)
	fr.s.hub.Broadcast(ChannelFeedDeleted, map[string]int{"id": id})
	writeJSON(w, http.StatusOK, map[string]int{"id": id})
}

// feedID parses a path id. Anything that is not a number names no feed.
func feedID(w http.ResponseWriter, raw string) (int, bool) {
	id, err := strconv.Atoi(raw)
	if err != nil {
		writeNotFound(w, fmt.Sprintf("feed %q not found", raw))
		return 0, false
	}
	return id, true
}

// decodeObject reads a JSON object body. Malformed JSON is a 400; a
// well-formed non-object is left for the registry to reject.
func decodeObject(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "reading request body: "+err.Error())
		return nil, false
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return nil, false
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrCodeValidation, "request body must be a JSON object")
		return nil, false
	}
	return obj, true
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
