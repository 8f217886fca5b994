package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/timmy/xbutler/internal/domain"
	"github.com/timmy/xbutler/internal/repository"
)

const testDim = 4

// basis returns the i-th unit vector; distinct basis vectors have similarity 0.
func basis(i int) []float32 {
	v := make([]float32, testDim)
	v[i%testDim] = 1
	return v
}

type fakeExtractor struct {
	keywords  []domain.ExtractedKeyword
	textVecs  map[string][]float32
	imageVec  []float32
	err       error
	block     chan struct{}
	calls     atomic.Int32
	textCalls atomic.Int32
}

func (f *fakeExtractor) ExtractKeywords(ctx context.Context, raw []byte, contentType string) ([]domain.ExtractedKeyword, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.keywords, nil
}

func (f *fakeExtractor) EmbedText(ctx context.Context, texts []string) ([][]float32, error) {
	f.textCalls.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.textVecs[t]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", t)
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeExtractor) EmbedImage(ctx context.Context, raw []byte, contentType string) ([]float32, error) {
	return f.imageVec, nil
}

type fakePoint struct {
	id      string
	payload uint
	vec     []float32
}

type fakeIndex struct {
	name      string
	mu        sync.Mutex
	points    []fakePoint
	seq       int
	insertErr error
	searchErr error
	// script, when set, replaces the dot-product search.
	script func(vec []float32) []domain.Match
}

func newFakeIndex(name string) *fakeIndex {
	return &fakeIndex{name: name}
}

func (f *fakeIndex) Name() string { return f.name }

func (f *fakeIndex) Search(ctx context.Context, vec []float32, topK int) ([]domain.Match, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if f.script != nil {
		return f.script(vec), nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	matches := make([]domain.Match, 0, len(f.points))
	for _, p := range f.points {
		var dot float32
		for i := range vec {
			dot += vec[i] * p.vec[i]
		}
		matches = append(matches, domain.Match{Similarity: dot, PayloadID: p.payload})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (f *fakeIndex) Insert(ctx context.Context, payloadID uint, vec []float32) (string, error) {
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("%s-%d", f.name, f.seq)
	f.points = append(f.points, fakePoint{id: id, payload: payloadID, vec: vec})
	return id, nil
}

func (f *fakeIndex) Delete(ctx context.Context, pointID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.points {
		if p.id == pointID {
			f.points = append(f.points[:i], f.points[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeIndex) payloads() []uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint, len(f.points))
	for i, p := range f.points {
		out[i] = p.payload
	}
	return out
}

type fakeResources struct {
	mu        sync.Mutex
	rows      map[uint]*domain.Resource
	nextID    uint
	types     map[domain.ResourceType]uint
	createErr error
	hashErr   error
	creates   int
	// raceWinner, when set, simulates another writer committing the same hash
	// under that filename just before Create.
	raceWinner string
}

func newFakeResources() *fakeResources {
	return &fakeResources{
		rows:   map[uint]*domain.Resource{},
		nextID: 100,
		types:  map[domain.ResourceType]uint{domain.ResourceTypeImage: 1, domain.ResourceTypeVideo: 2},
	}
}

func (f *fakeResources) Create(ctx context.Context, res *domain.Resource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return f.createErr
	}
	if f.raceWinner != "" {
		f.nextID++
		f.rows[f.nextID] = &domain.Resource{ID: f.nextID, Name: f.raceWinner, ContentHash: res.ContentHash}
		return repository.ErrDuplicateContent
	}
	for _, r := range f.rows {
		if r.ContentHash == res.ContentHash {
			return repository.ErrDuplicateContent
		}
	}
	f.nextID++
	res.ID = f.nextID
	cp := *res
	f.rows[res.ID] = &cp
	return nil
}

func (f *fakeResources) GetByID(ctx context.Context, id uint) (*domain.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("get resource %d: %w", id, domain.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (f *fakeResources) GetByContentHash(ctx context.Context, hash string) (*domain.Resource, error) {
	if f.hashErr != nil {
		return nil, f.hashErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.ContentHash == hash {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("get resource by hash: %w", domain.ErrNotFound)
}

func (f *fakeResources) Delete(ctx context.Context, id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeResources) LookupResourceType(ctx context.Context, t domain.ResourceType) (*domain.ResourceTypeRecord, error) {
	id, ok := f.types[t]
	if !ok {
		return nil, fmt.Errorf("lookup resource type: %w", domain.ErrNotFound)
	}
	return &domain.ResourceTypeRecord{ID: id, Type: t}, nil
}

func (f *fakeResources) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeResources) only() *domain.Resource {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		return r
	}
	return nil
}

type keywordKey struct {
	category uint
	word     string
}

type fakeKeywords struct {
	mu         sync.Mutex
	categories map[string]uint
	rows       map[keywordKey]*domain.Keyword
	nextID     uint
}

func newFakeKeywords(categories ...string) *fakeKeywords {
	f := &fakeKeywords{categories: map[string]uint{}, rows: map[keywordKey]*domain.Keyword{}, nextID: 500}
	for i, c := range categories {
		f.categories[c] = uint(i + 1)
	}
	return f
}

func (f *fakeKeywords) LookupCategory(ctx context.Context, name string) (*domain.KeywordCategory, error) {
	id, ok := f.categories[name]
	if !ok {
		return nil, fmt.Errorf("lookup category %q: %w", name, domain.ErrNotFound)
	}
	return &domain.KeywordCategory{ID: id, Name: name}, nil
}

func (f *fakeKeywords) InsertKeyword(ctx context.Context, categoryID uint, word string) (*domain.Keyword, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := keywordKey{categoryID, word}
	if kw, ok := f.rows[key]; ok {
		return kw, false, nil
	}
	f.nextID++
	kw := &domain.Keyword{ID: f.nextID, CategoryID: categoryID, Word: word}
	f.rows[key] = kw
	return kw, true, nil
}

func (f *fakeKeywords) Delete(ctx context.Context, id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, kw := range f.rows {
		if kw.ID == id {
			delete(f.rows, k)
		}
	}
	return nil
}

func (f *fakeKeywords) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploads   int
	uploadErr error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}}
}

func (f *fakeBlobs) Upload(ctx context.Context, name string, reader io.Reader, size int64, contentType string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	f.objects[name] = data
	return nil
}

func (f *fakeBlobs) Download(ctx context.Context, name string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlobs) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, name)
	return nil
}

func (f *fakeBlobs) Exists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[name]
	return ok, nil
}

type fakeJobs struct {
	mu     sync.Mutex
	jobs   map[string]*domain.IngestJob
	stages map[string][]domain.JobStage
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]*domain.IngestJob{}, stages: map[string][]domain.JobStage{}}
}

func (f *fakeJobs) Create(ctx context.Context, job *domain.IngestJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *fakeJobs) Get(ctx context.Context, id string) (*domain.IngestJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobs) MarkRunning(ctx context.Context, id, contentHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return errors.New("unknown job")
	}
	job.Status = domain.JobStatusRunning
	job.ContentHash = contentHash
	return nil
}

func (f *fakeJobs) SetStage(ctx context.Context, id string, stage domain.JobStage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages[id] = append(f.stages[id], stage)
	if job, ok := f.jobs[id]; ok {
		job.Stage = stage
	}
	return nil
}

func (f *fakeJobs) Finish(ctx context.Context, job *domain.IngestJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.jobs[job.ID]
	if !ok {
		return errors.New("unknown job")
	}
	stored.Status = job.Status
	if job.Stage != "" {
		stored.Stage = job.Stage
	}
	stored.ResourceID = job.ResourceID
	stored.DuplicateOf = job.DuplicateOf
	stored.KeywordIDs = job.KeywordIDs
	stored.ErrorLog = job.ErrorLog
	return nil
}

func (f *fakeJobs) ListUnfinished(ctx context.Context, limit int) ([]domain.IngestJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.IngestJob
	for _, j := range f.jobs {
		if !j.Finished() {
			out = append(out, *j)
		}
	}
	return out, nil
}

// harness wires an engine to fresh fakes.
type harness struct {
	extractor *fakeExtractor
	resources *fakeResources
	keywords  *fakeKeywords
	blobs     *fakeBlobs
	resIndex  *fakeIndex
	kwIndex   *fakeIndex
	jobs      *fakeJobs
	engine    *DedupEngine
}

func newHarness() *harness {
	h := &harness{
		extractor: &fakeExtractor{imageVec: basis(0), textVecs: map[string][]float32{}},
		resources: newFakeResources(),
		keywords:  newFakeKeywords("subject", "emotion"),
		blobs:     newFakeBlobs(),
		resIndex:  newFakeIndex("resource_embd"),
		kwIndex:   newFakeIndex("keyword_embd"),
		jobs:      newFakeJobs(),
	}
	h.engine = NewDedupEngine(h.extractor, h.resources, h.keywords, h.blobs, h.resIndex, h.kwIndex, h.jobs, nil, &DedupConfig{Threshold: 0.95})
	return h
}

// noWrites reports whether the blob, metadata and keyword stores are untouched.
func (h *harness) noWrites() bool {
	return h.blobs.uploads == 0 &&
		h.resources.creates == 0 &&
		h.keywords.count() == 0 &&
		len(h.kwIndex.payloads()) == 0
}
