package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tagmanager/internal/config"
	"tagmanager/internal/fingerprint"
	"tagmanager/internal/models"
	"tagmanager/internal/paths"
	"tagmanager/internal/repository"
)

type fakeStore struct {
	mu        sync.Mutex
	nextID    models.ImageID
	byFP      map[models.Fingerprint]models.ImageID
	tags      map[models.ImageID]models.TagSet
	thumbs    map[models.ImageID]bool
	inserts   int
	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byFP:   make(map[models.Fingerprint]models.ImageID),
		tags:   make(map[models.ImageID]models.TagSet),
		thumbs: make(map[models.ImageID]bool),
	}
}

func (s *fakeStore) ExistsByFingerprint(_ context.Context, fp models.Fingerprint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byFP[fp]
	return ok, nil
}

func (s *fakeStore) InsertImage(_ context.Context, fp models.Fingerprint, tags models.TagSet) (models.ImageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	if _, ok := s.byFP[fp]; ok {
		return 0, repository.ErrDuplicateFingerprint
	}
	s.nextID++
	s.inserts++
	s.byFP[fp] = s.nextID
	s.tags[s.nextID] = tags
	s.thumbs[s.nextID] = false
	return s.nextID, nil
}

func (s *fakeStore) ListUnthumbnailed(context.Context) ([]models.ImageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []models.ImageID
	for id, done := range s.thumbs {
		if !done {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *fakeStore) MarkThumbnailed(_ context.Context, id models.ImageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.thumbs[id]; !ok {
		return repository.ErrImageNotFound
	}
	s.thumbs[id] = true
	return nil
}

func (s *fakeStore) records() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byFP)
}

type fakeClassifier struct {
	calls     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration
	err       error
}

func (c *fakeClassifier) ClassifyPNG(ctx context.Context, data []byte) (models.TagSet, error) {
	c.calls.Add(1)
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		max := c.maxActive.Load()
		if n <= max || c.maxActive.CompareAndSwap(max, n) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.err != nil {
		return models.TagSet{}, c.err
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		return models.TagSet{}, err
	}
	return models.TagSet{Rating: models.RatingGeneral, GeneralTags: []string{"stripes"}}, nil
}

// stripes draws eight vertical bands; band c is white when bit c of n is set.
func stripes(n uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			if n&(1<<(x/8)) != 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img
}

// asNRGBA returns the same pixels in a different color model, which encodes
// to different PNG bytes.
func asNRGBA(src *image.Gray) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := src.GrayAt(x, y).Y
			dst.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return dst
}

func writePNG(t *testing.T, path string, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type env struct {
	roots config.PathsConfig
	p     *Pipeline
}

func newEnv(t *testing.T, store Store, classifier Classifier, opts Options) env {
	t.Helper()
	base := t.TempDir()
	roots := config.PathsConfig{
		Import:     filepath.Join(base, "import"),
		Storage:    filepath.Join(base, "storage"),
		Thumbnails: filepath.Join(base, "thumbnails"),
		Discarded:  filepath.Join(base, "discarded"),
		Videos:     filepath.Join(base, "videos"),
	}
	if err := os.Mkdir(roots.Import, 0o755); err != nil {
		t.Fatal(err)
	}
	resolver := paths.NewResolver(roots)
	if err := resolver.EnsureRoots(); err != nil {
		t.Fatal(err)
	}
	if opts.VideoExtensions == nil {
		opts.VideoExtensions = []string{"webm", "mov", "mp4", "flv", "avi"}
	}
	if opts.DecodeWorkers == 0 {
		opts.DecodeWorkers = 2
	}
	if opts.ThumbnailSize == 0 {
		opts.ThumbnailSize = 32
	}
	return env{roots: roots, p: New(store, classifier, resolver, opts, nil, zerolog.Nop())}
}

func (e env) importPath(name string) string {
	return filepath.Join(e.roots.Import, name)
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func outcomeFor(t *testing.T, r Report, name string) Outcome {
	t.Helper()
	for _, o := range r.Outcomes {
		if filepath.Base(o.Path) == name {
			return o
		}
	}
	t.Fatalf("no outcome for %s", name)
	return Outcome{}
}

func TestRun_PixelIdenticalFilesClassifiedOnce(t *testing.T) {
	store := newFakeStore()
	classifier := &fakeClassifier{delay: 10 * time.Millisecond}
	e := newEnv(t, store, classifier, Options{Concurrency: 12})

	img := stripes(0b00101101)
	a := writePNG(t, e.importPath("a.png"), img)
	b := writePNG(t, e.importPath("b.png"), asNRGBA(img))
	if bytes.Equal(a, b) {
		t.Fatal("test files must differ byte-wise")
	}

	report, err := e.p.Run(context.Background(), e.roots.Import)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := classifier.calls.Load(); got != 1 {
		t.Errorf("classification calls = %d, want 1", got)
	}
	if store.records() != 1 {
		t.Errorf("records = %d, want 1", store.records())
	}
	counts := report.Counts()
	if counts[StatusStored] != 1 || counts[StatusDuplicate] != 1 {
		t.Errorf("counts = %v, want one stored and one duplicate", counts)
	}
	if left := listDir(t, e.roots.Import); len(left) != 0 {
		t.Errorf("import dir not empty: %v", left)
	}

	stored := report.Stored()[0]
	want := filepath.Join(e.roots.Storage, "1.png")
	if stored.Destination != want {
		t.Errorf("Destination = %s, want %s", stored.Destination, want)
	}
	if _, err := os.Stat(filepath.Join(e.roots.Thumbnails, "1_thumbnail.jpg")); err != nil {
		t.Errorf("thumbnail missing: %v", err)
	}
	if pending, _ := store.ListUnthumbnailed(context.Background()); len(pending) != 0 {
		t.Errorf("unthumbnailed after run: %v", pending)
	}
}

func TestRun_MixedBatch(t *testing.T) {
	store := newFakeStore()
	classifier := &fakeClassifier{}
	e := newEnv(t, store, classifier, Options{Concurrency: 4})

	writePNG(t, e.importPath("fresh.png"), stripes(0b00000111))
	if err := os.WriteFile(e.importPath("corrupt.png"), []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(e.importPath("c.avi"), []byte("RIFF....AVI "), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(e.importPath("clip.MP4"), []byte("....ftypmp42"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(e.importPath("nested"), 0o755); err != nil {
		t.Fatal(err)
	}

	report, err := e.p.Run(context.Background(), e.roots.Import)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Outcomes) != 4 {
		t.Fatalf("outcomes = %d, want 4 (directories skipped)", len(report.Outcomes))
	}

	t.Run("fresh image stored", func(t *testing.T) {
		o := outcomeFor(t, report, "fresh.png")
		if o.Status != StatusStored || o.ImageID == 0 {
			t.Errorf("outcome = %+v", o)
		}
	})

	t.Run("corrupt image discarded", func(t *testing.T) {
		o := outcomeFor(t, report, "corrupt.png")
		if o.Status != StatusDiscarded || KindOf(o.Err) != KindDecode {
			t.Fatalf("outcome = %+v", o)
		}
		if filepath.Dir(o.Destination) != e.roots.Discarded || filepath.Ext(o.Destination) != ".png" {
			t.Errorf("Destination = %s", o.Destination)
		}
		data, err := os.ReadFile(o.Destination)
		if err != nil || string(data) != "not an image" {
			t.Errorf("discarded content = %q, %v", data, err)
		}
	})

	t.Run("videos moved verbatim", func(t *testing.T) {
		for name, ext := range map[string]string{"c.avi": ".avi", "clip.MP4": ".MP4"} {
			o := outcomeFor(t, report, name)
			if o.Status != StatusVideoMoved {
				t.Fatalf("%s outcome = %+v", name, o)
			}
			if filepath.Dir(o.Destination) != e.roots.Videos || filepath.Ext(o.Destination) != ext {
				t.Errorf("%s Destination = %s", name, o.Destination)
			}
			if base := strings.TrimSuffix(filepath.Base(o.Destination), ext); len(base) != 36 {
				t.Errorf("%s not renamed to a uuid: %s", name, base)
			}
		}
	})

	if got := classifier.calls.Load(); got != 1 {
		t.Errorf("classification calls = %d, want 1", got)
	}
	if left := listDir(t, e.roots.Import); len(left) != 1 || left[0] != "nested" {
		t.Errorf("import dir = %v, want only the nested directory", left)
	}
}

func TestRun_ClassifierUnavailableLeavesFiles(t *testing.T) {
	store := newFakeStore()
	classifier := &fakeClassifier{err: errors.New("connection refused")}
	e := newEnv(t, store, classifier, Options{Concurrency: 2})

	before := map[string][]byte{
		"one.png": writePNG(t, e.importPath("one.png"), stripes(0b00001111)),
		"two.png": writePNG(t, e.importPath("two.png"), stripes(0b11110000)),
	}

	report, err := e.p.Run(context.Background(), e.roots.Import)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, o := range report.Outcomes {
		if o.Status != StatusLeftInPlace || !IsTransient(o.Err) {
			t.Errorf("%s outcome = %+v", o.Path, o)
		}
	}
	if left := listDir(t, e.roots.Import); len(left) != 2 {
		t.Errorf("import dir = %v, want both files", left)
	}
	for name, want := range before {
		got, err := os.ReadFile(e.importPath(name))
		if err != nil || !bytes.Equal(got, want) {
			t.Errorf("%s changed or missing after the run: %v", name, err)
		}
	}
	if d := listDir(t, e.roots.Discarded); len(d) != 0 {
		t.Errorf("discarded = %v, want none", d)
	}
	if store.records() != 0 {
		t.Errorf("records = %d, want 0", store.records())
	}
}

func TestRun_KnownFingerprintIsDuplicate(t *testing.T) {
	store := newFakeStore()
	classifier := &fakeClassifier{}
	e := newEnv(t, store, classifier, Options{Concurrency: 2})

	img := stripes(0b01010101)
	fp, err := fingerprint.Compute(img)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.InsertImage(context.Background(), fp, models.TagSet{}); err != nil {
		t.Fatal(err)
	}
	writePNG(t, e.importPath("again.png"), img)

	report, err := e.p.Run(context.Background(), e.roots.Import)
	if err != nil {
		t.Fatal(err)
	}
	if o := outcomeFor(t, report, "again.png"); o.Status != StatusDuplicate {
		t.Errorf("outcome = %+v", o)
	}
	if classifier.calls.Load() != 0 {
		t.Error("duplicate must not be classified")
	}
	if store.inserts != 1 {
		t.Errorf("inserts = %d, want 1", store.inserts)
	}
	if left := listDir(t, e.roots.Import); len(left) != 0 {
		t.Errorf("import dir = %v", left)
	}
}

func TestRun_PersistenceFailureDiscards(t *testing.T) {
	store := newFakeStore()
	store.insertErr = errors.New("connection reset")
	e := newEnv(t, store, &fakeClassifier{}, Options{Concurrency: 1})
	writePNG(t, e.importPath("p.png"), stripes(0b00111100))

	report, err := e.p.Run(context.Background(), e.roots.Import)
	if err != nil {
		t.Fatal(err)
	}
	o := outcomeFor(t, report, "p.png")
	if o.Status != StatusDiscarded || KindOf(o.Err) != KindPersistence {
		t.Errorf("outcome = %+v", o)
	}
	if d := listDir(t, e.roots.Discarded); len(d) != 1 {
		t.Errorf("discarded = %v", d)
	}
}

// stubFileNames makes the pipeline draw discard and video names from names,
// in order, before falling back to random ones.
func stubFileNames(t *testing.T, names ...string) {
	t.Helper()
	var (
		mu   sync.Mutex
		next int
	)
	orig := newFileName
	newFileName = func() string {
		mu.Lock()
		defer mu.Unlock()
		if next < len(names) {
			next++
			return names[next-1]
		}
		return orig()
	}
	t.Cleanup(func() { newFileName = orig })
}

func TestRun_StorageWriteFailure(t *testing.T) {
	store := newFakeStore()
	e := newEnv(t, store, &fakeClassifier{}, Options{Concurrency: 1})
	writePNG(t, e.importPath("s.png"), stripes(0b00011110))
	if err := os.RemoveAll(e.roots.Storage); err != nil {
		t.Fatal(err)
	}

	report, err := e.p.Run(context.Background(), e.roots.Import)
	if err != nil {
		t.Fatal(err)
	}
	o := outcomeFor(t, report, "s.png")
	if o.Status != StatusDiscarded || KindOf(o.Err) != KindRelocation {
		t.Errorf("outcome = %+v, want discarded relocation failure", o)
	}
	if o.ImageID != 1 {
		t.Errorf("image id = %d, want the persisted record", o.ImageID)
	}
	if n := store.records(); n != 1 {
		t.Errorf("records = %d, want the record kept", n)
	}
	if d := listDir(t, e.roots.Discarded); len(d) != 1 {
		t.Errorf("discarded = %v", d)
	}
	if left := listDir(t, e.roots.Import); len(left) != 0 {
		t.Errorf("import dir = %v", left)
	}
	if len(report.Backfill.Failures) != 1 || report.Backfill.Failures[0].ImageID != 1 {
		t.Errorf("backfill = %+v, want the missing storage file reported", report.Backfill)
	}
}

func TestRun_DiscardNeverReplacesExistingFile(t *testing.T) {
	e := newEnv(t, newFakeStore(), &fakeClassifier{}, Options{Concurrency: 1})
	stubFileNames(t, "taken", "fresh")

	existing := filepath.Join(e.roots.Discarded, "taken.png")
	if err := os.WriteFile(existing, []byte("discarded earlier"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(e.importPath("bad.png"), []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := e.p.Run(context.Background(), e.roots.Import)
	if err != nil {
		t.Fatal(err)
	}
	o := outcomeFor(t, report, "bad.png")
	want := filepath.Join(e.roots.Discarded, "fresh.png")
	if o.Status != StatusDiscarded || o.Destination != want {
		t.Errorf("outcome = %+v, want discarded to %s", o, want)
	}
	if got, err := os.ReadFile(existing); err != nil || string(got) != "discarded earlier" {
		t.Errorf("existing discard file changed: %q, %v", got, err)
	}
	if got, err := os.ReadFile(want); err != nil || string(got) != "not an image" {
		t.Errorf("new discard file = %q, %v", got, err)
	}
}

func TestRun_DiscardGivesUpWhenEveryNameIsTaken(t *testing.T) {
	e := newEnv(t, newFakeStore(), &fakeClassifier{}, Options{Concurrency: 1})
	stubFileNames(t, "x", "x", "x")

	if err := os.WriteFile(filepath.Join(e.roots.Discarded, "x.png"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(e.importPath("bad.png"), []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := e.p.Run(context.Background(), e.roots.Import)
	if err != nil {
		t.Fatal(err)
	}
	o := outcomeFor(t, report, "bad.png")
	if o.Status != StatusFailed || o.MoveErr == nil {
		t.Errorf("outcome = %+v, want failed with move error", o)
	}
	if _, err := os.Stat(e.importPath("bad.png")); err != nil {
		t.Errorf("source should stay when it cannot be discarded: %v", err)
	}
}

func TestRun_CancelledUnitIsNotDiscarded(t *testing.T) {
	store := newFakeStore()
	store.insertErr = context.Canceled
	e := newEnv(t, store, &fakeClassifier{}, Options{Concurrency: 1})
	want := writePNG(t, e.importPath("c.png"), stripes(0b01110000))

	report, err := e.p.Run(context.Background(), e.roots.Import)
	if err != nil {
		t.Fatal(err)
	}
	if o := outcomeFor(t, report, "c.png"); o.Status != StatusSkipped {
		t.Errorf("outcome = %+v", o)
	}
	got, err := os.ReadFile(e.importPath("c.png"))
	if err != nil || !bytes.Equal(got, want) {
		t.Errorf("import file changed or missing: %v", err)
	}
	if d := listDir(t, e.roots.Discarded); len(d) != 0 {
		t.Errorf("discarded = %v", d)
	}
}

func TestRun_ConcurrencyBound(t *testing.T) {
	store := newFakeStore()
	classifier := &fakeClassifier{delay: 20 * time.Millisecond}
	e := newEnv(t, store, classifier, Options{Concurrency: 3})

	var patterns []uint8
	for n := 0; n < 256 && len(patterns) < 15; n++ {
		bits := 0
		for b := 0; b < 8; b++ {
			if n&(1<<b) != 0 {
				bits++
			}
		}
		if bits >= 3 && bits <= 5 {
			patterns = append(patterns, uint8(n))
		}
	}
	for i, n := range patterns {
		writePNG(t, e.importPath(string(rune('a'+i))+".png"), stripes(n))
	}

	report, err := e.p.Run(context.Background(), e.roots.Import)
	if err != nil {
		t.Fatal(err)
	}
	if report.PeakInFlight > 3 || report.PeakInFlight == 0 {
		t.Errorf("PeakInFlight = %d, want 1..3", report.PeakInFlight)
	}
	if got := classifier.maxActive.Load(); got > 3 {
		t.Errorf("concurrent classifications = %d, want <= 3", got)
	}
	if got := report.Counts()[StatusStored]; got != len(patterns) {
		t.Errorf("stored = %d, want %d", got, len(patterns))
	}
}

func TestRun_ThumbnailFailureIsRecoveredByBackfill(t *testing.T) {
	store := newFakeStore()
	e := newEnv(t, store, &fakeClassifier{}, Options{Concurrency: 2})
	writePNG(t, e.importPath("t.png"), stripes(0b10011001))

	if err := os.RemoveAll(e.roots.Thumbnails); err != nil {
		t.Fatal(err)
	}

	report, err := e.p.Run(context.Background(), e.roots.Import)
	if err != nil {
		t.Fatal(err)
	}
	o := outcomeFor(t, report, "t.png")
	if o.Status != StatusStored || o.ThumbnailErr == nil {
		t.Fatalf("outcome = %+v, want stored with thumbnail error", o)
	}
	if len(report.Backfill.Failures) != 1 {
		t.Errorf("backfill failures = %v, want 1", report.Backfill.Failures)
	}
	if _, err := os.Stat(o.Path); !os.IsNotExist(err) {
		t.Errorf("import file should be removed after storing: %v", err)
	}

	if err := os.Mkdir(e.roots.Thumbnails, 0o755); err != nil {
		t.Fatal(err)
	}
	bf, err := e.p.Backfill(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if bf.Attempted != 1 || bf.Thumbnailed != 1 {
		t.Errorf("backfill = %+v", bf)
	}
	if pending, _ := store.ListUnthumbnailed(context.Background()); len(pending) != 0 {
		t.Errorf("pending after backfill = %v", pending)
	}

	again, err := e.p.Backfill(context.Background())
	if err != nil || again.Attempted != 0 {
		t.Errorf("second backfill = %+v, %v", again, err)
	}
}

func TestBackfill_MissingStorageFile(t *testing.T) {
	store := newFakeStore()
	e := newEnv(t, store, &fakeClassifier{}, Options{Concurrency: 2})
	if _, err := store.InsertImage(context.Background(), models.Fingerprint{1}, models.TagSet{}); err != nil {
		t.Fatal(err)
	}

	report, err := e.p.Backfill(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Attempted != 1 || report.Thumbnailed != 0 || len(report.Failures) != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestRun_MissingImportDir(t *testing.T) {
	e := newEnv(t, newFakeStore(), &fakeClassifier{}, Options{Concurrency: 1})
	if _, err := e.p.Run(context.Background(), filepath.Join(e.roots.Import, "missing")); err == nil {
		t.Fatal("expected error for missing import dir")
	}
}

func TestRun_SQLiteGateway(t *testing.T) {
	gw := repository.SetupTestDB(t)
	classifier := &fakeClassifier{}
	e := newEnv(t, gw, classifier, Options{Concurrency: 4})

	img := stripes(0b11100010)
	writePNG(t, e.importPath("a.png"), img)
	writePNG(t, e.importPath("b.png"), asNRGBA(img))

	report, err := e.p.Run(context.Background(), e.roots.Import)
	if err != nil {
		t.Fatal(err)
	}
	if classifier.calls.Load() != 1 {
		t.Errorf("classification calls = %d, want 1", classifier.calls.Load())
	}
	stored := report.Stored()
	if len(stored) != 1 {
		t.Fatalf("stored = %d, want 1", len(stored))
	}
	rec, tags, err := gw.Image(context.Background(), stored[0].ImageID)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Thumbnail || len(tags.GeneralTags) != 1 || tags.GeneralTags[0] != "stripes" {
		t.Errorf("record = %+v, tags = %+v", rec, tags)
	}
}

func TestKind_Transient(t *testing.T) {
	for _, k := range []Kind{KindDecode, KindClassification, KindPersistence, KindRelocation, KindThumbnail, KindVideo, KindFilesystem} {
		if got := k.Transient(); got != (k == KindClassification) {
			t.Errorf("%s.Transient() = %v", k, got)
		}
	}
}
