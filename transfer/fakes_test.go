package transfer

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo fakeEnvRepo) List() []string {
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	completed []string
}

func (n *fakeNotifier) TransferCompleted(filename string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, filename)
}

func (n *fakeNotifier) completions() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.completed...)
}

type fakeSession struct {
	filename    string
	size        int64
	chunkSize   int64
	totalChunks int
	chunks      map[int][]byte
}

// fakeStore is an in-memory double of the remote share store's chunked
// upload endpoints.
type fakeStore struct {
	server *httptest.Server

	mu       sync.Mutex
	sessions map[string]*fakeSession
	nextID   int

	// failStart makes every start call return HTTP 500.
	failStart bool
	// failChunkIndex makes every upload of that chunk index return HTTP 500;
	// -1 disables.
	failChunkIndex int
	// loseChunks are accepted with an OK response but silently dropped until
	// the first completion conflict has been reported.
	loseChunks map[int]bool
	// alwaysLoseChunks keeps dropping even after a conflict, forcing a
	// second conflict.
	alwaysLoseChunks bool
	conflictSeen     bool

	startCalls           int
	startTokens          []string // upload_id value of each start call
	chunkAttempts        int
	chunkUploads         []int // successfully acknowledged uploads, in order
	uploadsAfterConflict []int
	completeCalls        int

	// When releaseFirstChunk is non-nil the very first chunk upload signals
	// firstChunkStarted and then blocks until released.
	firstChunkStarted chan int
	releaseFirstChunk chan struct{}
	firstChunkOnce    sync.Once
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()

	f := &fakeStore{
		sessions:       map[string]*fakeSession{},
		failChunkIndex: -1,
		loseChunks:     map[int]bool{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/upload/start/", f.handleStart)
	mux.HandleFunc("/api/upload/chunk/", f.handleChunk)
	mux.HandleFunc("/api/upload/complete/", f.handleComplete)

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	return f
}

func (f *fakeStore) blockFirstChunk() {
	f.firstChunkStarted = make(chan int, 1)
	f.releaseFirstChunk = make(chan struct{})
}

func (f *fakeStore) seedSession(uploadID string, session *fakeSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[uploadID] = session
}

func (f *fakeStore) session(uploadID string) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[uploadID]
}

func (f *fakeStore) lastSession() (string, *fakeSession) {
	f.mu.Lock()
	defer f.mu.Unlock()

	lastID := ""
	for id := range f.sessions {
		if id > lastID {
			lastID = id
		}
	}
	return lastID, f.sessions[lastID]
}

func (f *fakeStore) assembled(session *fakeSession) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	var data []byte
	for i := 0; i < session.totalChunks; i++ {
		data = append(data, session.chunks[i]...)
	}
	return data
}

func (f *fakeStore) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunkAttempts
}

func (f *fakeStore) uploads() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int{}, f.chunkUploads...)
}

func (f *fakeStore) afterConflict() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int{}, f.uploadsAfterConflict...)
}

func (f *fakeStore) completes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completeCalls
}

func (f *fakeStore) tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.startTokens...)
}

func (f *fakeStore) handleStart(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Filename  string `json:"filename"`
		Size      int64  `json:"size"`
		ChunkSize int64  `json:"chunk_size"`
		UploadID  string `json:"upload_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.startCalls++
	f.startTokens = append(f.startTokens, request.UploadID)

	if f.failStart {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	totalChunks := int((request.Size + request.ChunkSize - 1) / request.ChunkSize)
	if totalChunks < 1 {
		totalChunks = 1
	}

	session := f.sessions[request.UploadID]
	uploadID := request.UploadID
	if session == nil ||
		session.filename != request.Filename ||
		session.size != request.Size ||
		session.chunkSize != request.ChunkSize {
		f.nextID++
		uploadID = "upload-" + strconv.Itoa(f.nextID)
		session = &fakeSession{
			filename:    request.Filename,
			size:        request.Size,
			chunkSize:   request.ChunkSize,
			totalChunks: totalChunks,
			chunks:      map[int][]byte{},
		}
		f.sessions[uploadID] = session
	}

	received := make([]int, 0, len(session.chunks))
	for index := range session.chunks {
		received = append(received, index)
	}
	sort.Ints(received)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"upload_id":       uploadID,
		"chunk_size":      session.chunkSize,
		"total_chunks":    session.totalChunks,
		"received_chunks": received,
	})
}

func (f *fakeStore) handleChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	uploadID := r.FormValue("upload_id")
	index, err := strconv.Atoi(r.FormValue("index"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("chunk")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(file)
	_ = file.Close()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	f.mu.Lock()
	f.chunkAttempts++
	session := f.sessions[uploadID]
	failChunkIndex := f.failChunkIndex
	blocking := f.releaseFirstChunk
	f.mu.Unlock()

	if session == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if blocking != nil {
		f.firstChunkOnce.Do(func() {
			f.firstChunkStarted <- index
			<-blocking
		})
	}

	if index == failChunkIndex {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dropped := f.loseChunks[index] && (f.alwaysLoseChunks || !f.conflictSeen)
	if !dropped {
		session.chunks[index] = data
	}
	f.chunkUploads = append(f.chunkUploads, index)
	if f.conflictSeen {
		f.uploadsAfterConflict = append(f.uploadsAfterConflict, index)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"received": len(session.chunks),
		"total":    session.totalChunks,
	})
}

func (f *fakeStore) handleComplete(w http.ResponseWriter, r *http.Request) {
	var request struct {
		UploadID string `json:"upload_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.completeCalls++
	session := f.sessions[request.UploadID]
	if session == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var missing []int
	for i := 0; i < session.totalChunks; i++ {
		if _, ok := session.chunks[i]; !ok {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		f.conflictSeen = true
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"status":         "fail",
			"missing_chunks": missing,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fastRetryClient mirrors the default retry policy with waits short enough
// for tests.
func fastRetryClient(logger log.Logger) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.RetryMax = 3
	client.RetryWaitMin = time.Millisecond
	client.RetryWaitMax = 8 * time.Millisecond
	client.Backoff = retryablehttp.DefaultBackoff
	return client
}
