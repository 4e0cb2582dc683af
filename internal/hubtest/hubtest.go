// Package hubtest runs an in-memory hub over HTTP for tests. It speaks the
// same endpoints as a real hub, checks every upload against its declared
// hash, length and checksum, and records what it received.
package hubtest

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path"
	"strconv"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// RemoteURL is the base URL remote-mode clients are given. RemoteClient
// routes it to the test server.
const RemoteURL = "https://hub.example.com/dynamic/"

// Options configures a Hub.
type Options struct {
	// Legacy makes the check endpoint answer 304/404 for the first item only.
	Legacy bool
	// BeginStatus, when set, is returned by upload/begin with an empty body.
	BeginStatus int
	// ProcessingSteps is the number of progress polls post-processing takes.
	ProcessingSteps int
	// ProcessingError fails post-processing with this message.
	ProcessingError string
}

// Upload is a file the hub accepted.
type Upload struct {
	Session string
	Name    string
	Hash    string
	Length  int64
	Gzip    bool
	Content []byte
}

// Begin is a session the hub opened.
type Begin struct {
	Session  string
	Fields   map[string]string
	Metadata map[string]any
}

// Hub is a fake hub. Its zero value is not usable; call New.
type Hub struct {
	Server *httptest.Server
	opts   Options

	mu       sync.Mutex
	onUpload func(u Upload)
	stored   map[string]bool
	listing  []string
	begins   []Begin
	uploads  []Upload
	checks   []url.Values
	ends     []string
	cancels  []string
	polls    map[string]int
	sessions int
}

// New starts a hub. Close it with Close.
func New(opts Options) *Hub {
	if opts.ProcessingSteps <= 0 {
		opts.ProcessingSteps = 1
	}
	h := &Hub{
		opts:   opts,
		stored: make(map[string]bool),
		polls:  make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/dynamic/upload/check", h.check)
	mux.HandleFunc("/dynamic/upload/list", h.list)
	mux.HandleFunc("/dynamic/upload/begin", h.begin)
	mux.HandleFunc("/dynamic/upload/file", h.file)
	mux.HandleFunc("/dynamic/upload/end", h.end)
	mux.HandleFunc("/dynamic/upload/cancel", h.cancel)
	mux.HandleFunc("/dynamic/upload/progress/", h.progress)
	h.Server = httptest.NewServer(mux)
	return h
}

// Close shuts the server down.
func (h *Hub) Close() {
	h.Server.Close()
}

// LocalURL is the base URL of the server itself; clients using it run in
// local transfer mode.
func (h *Hub) LocalURL() string {
	return h.Server.URL + "/dynamic/"
}

// RemoteClient is an HTTP client that sends requests for any host to the
// test server, so clients configured with RemoteURL run in remote mode.
func (h *Hub) RemoteClient() *RewriteClient {
	return &RewriteClient{server: h.Server}
}

// RewriteClient redirects every request to one test server.
type RewriteClient struct {
	server *httptest.Server
}

// Do sends req to the test server.
func (c *RewriteClient) Do(req *http.Request) (*http.Response, error) {
	target, err := url.Parse(c.server.URL)
	if err != nil {
		return nil, err
	}
	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	req.Host = target.Host
	return c.server.Client().Do(req)
}

// OnUpload sets a hook that runs before each upload is answered.
func (h *Hub) OnUpload(fn func(u Upload)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUpload = fn
}

// Store marks content as already held by the hub.
func (h *Hub) Store(hash string, length int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stored[key(hash, length)] = true
}

// SetListing sets the tokens upload/list reports.
func (h *Hub) SetListing(tokens ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listing = append([]string(nil), tokens...)
}

// Uploads returns the accepted uploads in arrival order.
func (h *Hub) Uploads() []Upload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Upload(nil), h.uploads...)
}

// Begins returns the opened sessions.
func (h *Hub) Begins() []Begin {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Begin(nil), h.begins...)
}

// Checks returns the query of every existence check.
func (h *Hub) Checks() []url.Values {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]url.Values(nil), h.checks...)
}

// Ends returns the committed sessions.
func (h *Hub) Ends() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ends...)
}

// Cancels returns the canceled sessions.
func (h *Hub) Cancels() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.cancels...)
}

func key(hash string, length int64) string {
	return hash + ":" + strconv.FormatInt(length, 10)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Hub) check(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	names, hashes, lengths := q["name"], q["hash"], q["length"]
	if len(names) == 0 || len(names) != len(hashes) || len(names) != len(lengths) {
		http.Error(w, "bad query", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, q)

	has := func(i int) bool {
		n, _ := strconv.ParseInt(lengths[i], 10, 64)
		return h.stored[key(hashes[i], n)]
	}

	if h.opts.Legacy {
		if has(0) {
			w.WriteHeader(http.StatusNotModified)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
		return
	}

	missing := []string{}
	for i, name := range names {
		if !has(i) {
			missing = append(missing, name)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"missing": missing})
}

func (h *Hub) list(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"version": 2, "hashes": h.listing})
}

func (h *Hub) begin(w http.ResponseWriter, r *http.Request) {
	if h.opts.BeginStatus != 0 {
		w.WriteHeader(h.opts.BeginStatus)
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	fields := make(map[string]string)
	for name, values := range r.MultipartForm.Value {
		fields[name] = values[0]
	}

	var blob []byte
	var err error
	if p := fields["files.path"]; p != "" {
		blob, err = os.ReadFile(p)
	} else {
		blob, err = readPart(r.MultipartForm.File["files"])
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "msg": "Missing file list."})
		return
	}
	var metadata map[string]any
	if err := decodeGzipJSON(blob, &metadata); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "msg": "Invalid file list."})
		return
	}

	h.mu.Lock()
	h.sessions++
	id := "s-" + strconv.Itoa(h.sessions)
	h.begins = append(h.begins, Begin{Session: id, Fields: fields, Metadata: metadata})
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": id})
}

func (h *Hub) file(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	form := r.MultipartForm

	u := Upload{
		Session: first(form.Value["session"]),
		Hash:    first(form.Value["hash"]),
		Gzip:    first(form.Value["encoding"]) == "gzip",
	}
	u.Length, _ = strconv.ParseInt(first(form.Value["length"]), 10, 64)

	var raw []byte
	var err error
	if p := first(form.Value["file.path"]); p != "" {
		u.Name = first(form.Value["file.name"])
		raw, err = os.ReadFile(p)
	} else {
		if parts := form.File["file"]; len(parts) > 0 {
			u.Name = parts[0].Filename
		}
		raw, err = readPart(form.File["file"])
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "msg": "Missing file."})
		return
	}

	h.mu.Lock()
	hook := h.onUpload
	h.mu.Unlock()
	if hook != nil {
		hook(u)
	}

	sum := md5.Sum(raw)
	content := raw
	if u.Gzip {
		content, err = gunzip(raw)
	}
	digest := sha256.Sum256(content)
	if err != nil ||
		hex.EncodeToString(sum[:]) != first(form.Value["md5"]) ||
		hex.EncodeToString(digest[:]) != u.Hash ||
		int64(len(content)) != u.Length {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "corrupt": true})
		return
	}
	u.Content = content

	h.mu.Lock()
	h.uploads = append(h.uploads, u)
	h.stored[key(u.Hash, u.Length)] = true
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Hub) end(w http.ResponseWriter, r *http.Request) {
	session := r.FormValue("session")
	h.mu.Lock()
	h.ends = append(h.ends, session)
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Hub) cancel(w http.ResponseWriter, r *http.Request) {
	session := r.FormValue("session")
	h.mu.Lock()
	h.cancels = append(h.cancels, session)
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Hub) progress(w http.ResponseWriter, r *http.Request) {
	session := path.Base(r.URL.Path)

	h.mu.Lock()
	h.polls[session]++
	n := h.polls[session]
	h.mu.Unlock()

	if h.opts.ProcessingError != "" {
		writeJSON(w, http.StatusOK, map[string]any{"progress": 0, "failed": true, "info": h.opts.ProcessingError})
		return
	}
	progress := n * 100 / h.opts.ProcessingSteps
	if progress > 100 {
		progress = 100
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": progress, "info": fmt.Sprintf("step %d", n)})
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func readPart(parts []*multipart.FileHeader) ([]byte, error) {
	if len(parts) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	f, err := parts[0].Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func gunzip(raw []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func decodeGzipJSON(blob []byte, v any) error {
	raw, err := gunzip(blob)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
