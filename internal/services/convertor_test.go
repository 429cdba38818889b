package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Lllllllleong/docgenflow/internal/models"
	"github.com/Lllllllleong/docgenflow/internal/pdfutil"
	"github.com/Lllllllleong/docgenflow/internal/registry"
	"github.com/jung-kurt/gofpdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mainBucket = "shared"

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	heads   int
	gets    int
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}}
}

func (m *memBlobs) put(bucket, key, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = []byte(content)
}

func (m *memBlobs) delete(bucket, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+key)
}

func (m *memBlobs) object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	return data, ok
}

func (m *memBlobs) Head(_ context.Context, bucket, key string) (models.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heads++
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return models.ObjectInfo{}, models.ErrObjectNotFound
	}
	sum := sha256.Sum256(data)
	return models.ObjectInfo{Fingerprint: hex.EncodeToString(sum[:]), Size: int64(len(data))}, nil
}

func (m *memBlobs) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, models.ErrObjectNotFound
	}
	return data, nil
}

func (m *memBlobs) Put(_ context.Context, bucket, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
	return nil
}

func (m *memBlobs) Exists(_ context.Context, bucket, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[bucket+"/"+key]
	return ok, nil
}

func (m *memBlobs) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heads, m.gets
}

type memLedger struct {
	mu      sync.Mutex
	records []*models.GeneratedDocument
}

func (l *memLedger) Find(_ context.Context, q models.LedgerQuery) (*models.GeneratedDocument, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.Fingerprints == models.JoinFingerprints(q.Fingerprints) && r.Bucket == q.Bucket &&
			r.RequestHash == q.RequestHash && r.AppVersion == q.AppVersion {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (l *memLedger) Put(_ context.Context, doc *models.GeneratedDocument) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *doc
	l.records = append(l.records, &cp)
	return nil
}

func (l *memLedger) DeleteByOutput(_ context.Context, bucket, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.records[:0]
	deleted := 0
	for _, r := range l.records {
		if r.OutputBucket == bucket && r.OutputPath == key {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	l.records = kept
	return deleted, nil
}

func (l *memLedger) all() []*models.GeneratedDocument {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*models.GeneratedDocument(nil), l.records...)
}

// pdfConverter renders a one page PDF with the converted HTML as text.
type pdfConverter struct {
	calls atomic.Int32
	delay func(index []byte) time.Duration
	fail  func(index []byte) error
}

func (c *pdfConverter) ConvertDocx(ctx context.Context, content []byte, _ string) ([]byte, error) {
	return c.ConvertHTML(ctx, content, nil, nil)
}

func (c *pdfConverter) ConvertHTML(ctx context.Context, index, _, _ []byte) ([]byte, error) {
	c.calls.Add(1)
	if c.delay != nil {
		select {
		case <-time.After(c.delay(index)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.fail != nil {
		if err := c.fail(index); err != nil {
			return nil, err
		}
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()
	pdf.Cell(40, 10, string(index))
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type fixture struct {
	blobs     *memBlobs
	ledger    *memLedger
	converter *pdfConverter
	convertor *Convertor
	tmpDir    string
}

func newFixture(t *testing.T, appVersion string) *fixture {
	t.Helper()
	f := &fixture{
		blobs:     newMemBlobs(),
		ledger:    &memLedger{},
		converter: &pdfConverter{},
		tmpDir:    t.TempDir(),
	}
	f.blobs.put(mainBucket, "templates/t1.html", "<p>{{.x}}</p>")
	f.blobs.put(mainBucket, "templates/t2.html", "<p>second {{.x}}</p>")
	f.blobs.put(mainBucket, "templates/t3.html", "<p>third {{.x}}</p>")
	f.convertor = f.withVersion(appVersion)
	return f
}

func (f *fixture) withVersion(appVersion string) *Convertor {
	return newConvertor(ConvertorConfig{
		MainBucket:  mainBucket,
		AppVersion:  appVersion,
		TmpDir:      f.tmpDir,
		Retention:   180 * 24 * time.Hour,
		Dedupe:      true,
		MaxParallel: 4,
	}, f.blobs, f.ledger, f.converter, registry.NewContentCache(4, time.Minute))
}

func request(path string, vars map[string]any) models.GenerateRequest {
	return models.GenerateRequest{TemplatePath: path, TemplateVariables: vars}
}

// reverseDelay finishes the third template first and the first one last.
func reverseDelay(index []byte) time.Duration {
	switch {
	case bytes.Contains(index, []byte("second")):
		return 20 * time.Millisecond
	case bytes.Contains(index, []byte("third")):
		return 0
	}
	return 40 * time.Millisecond
}

var contentFile = regexp.MustCompile(`(\d+)\.txt$`)

// pageContents returns the decoded content stream of every page in order.
func pageContents(t *testing.T, pdf []byte) []string {
	t.Helper()
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	dir := t.TempDir()
	require.NoError(t, api.ExtractContent(bytes.NewReader(pdf), dir, "merged", nil, conf))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	pages := make([]string, len(entries))
	for _, e := range entries {
		m := contentFile.FindStringSubmatch(e.Name())
		require.NotNil(t, m, e.Name())
		n, err := strconv.Atoi(m[1])
		require.NoError(t, err)
		require.True(t, n >= 1 && n <= len(pages), e.Name())
		data, err := os.ReadFile(dir + "/" + e.Name())
		require.NoError(t, err)
		pages[n-1] = string(data)
	}
	return pages
}

func assertPageOrder(t *testing.T, pdf []byte) {
	t.Helper()
	pages := pageContents(t, pdf)
	require.Len(t, pages, 3)
	assert.NotContains(t, pages[0], "second")
	assert.NotContains(t, pages[0], "third")
	assert.Contains(t, pages[1], "second")
	assert.Contains(t, pages[2], "third")
}

func TestGenerateSingleReusesLedgerRecord(t *testing.T) {
	f := newFixture(t, "v1")
	ctx := context.Background()
	req := request("templates/t1.html", map[string]any{"x": 1})

	first, err := f.convertor.GenerateSingle(ctx, req)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "documents/"))
	assert.True(t, strings.HasSuffix(first, ".pdf"))

	second, err := f.convertor.GenerateSingle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, f.converter.calls.Load())

	records := f.ledger.all()
	require.Len(t, records, 1)
	assert.Equal(t, "v1", records[0].AppVersion)
	assert.Equal(t, mainBucket, records[0].OutputBucket)
	assert.Equal(t, 90*24*time.Hour, records[0].ExpiresAt.Sub(records[0].CreatedAt))

	_, ok := f.blobs.object(mainBucket, first)
	assert.True(t, ok)
}

func TestGenerateSingleNewAppVersionRegenerates(t *testing.T) {
	f := newFixture(t, "v1")
	ctx := context.Background()
	req := request("templates/t1.html", map[string]any{"x": 1})

	first, err := f.convertor.GenerateSingle(ctx, req)
	require.NoError(t, err)

	second, err := f.withVersion("v2").GenerateSingle(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.EqualValues(t, 2, f.converter.calls.Load())
}

func TestGenerateSingleRegeneratesDeletedDocument(t *testing.T) {
	f := newFixture(t, "v1")
	ctx := context.Background()
	req := request("templates/t1.html", map[string]any{"x": 1})

	first, err := f.convertor.GenerateSingle(ctx, req)
	require.NoError(t, err)
	f.blobs.delete(mainBucket, first)

	second, err := f.convertor.GenerateSingle(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	_, ok := f.blobs.object(mainBucket, second)
	assert.True(t, ok)
}

func TestGenerateSingleIgnoresExpiredRecord(t *testing.T) {
	f := newFixture(t, "v1")
	ctx := context.Background()
	req := request("templates/t1.html", map[string]any{"x": 1})

	first, err := f.convertor.GenerateSingle(ctx, req)
	require.NoError(t, err)

	f.convertor.now = func() time.Time { return time.Now().Add(91 * 24 * time.Hour) }
	second, err := f.convertor.GenerateSingle(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestGenerateSingleDifferentVariablesDifferentDocument(t *testing.T) {
	f := newFixture(t, "v1")
	ctx := context.Background()

	first, err := f.convertor.GenerateSingle(ctx, request("templates/t1.html", map[string]any{"x": 1}))
	require.NoError(t, err)
	second, err := f.convertor.GenerateSingle(ctx, request("templates/t1.html", map[string]any{"x": 2}))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestFolderAccessForbiddenBeforeDownload(t *testing.T) {
	f := newFixture(t, "v1")
	f.blobs.put(mainBucket, "private/t.html", "<p>{{.x}}</p>")

	_, err := f.convertor.GenerateSingle(context.Background(), request("private/t.html", map[string]any{"x": 1}))
	require.ErrorIs(t, err, models.ErrFolderAccessForbidden)
	assert.Equal(t, 403, models.HTTPStatus(err))

	_, err = f.convertor.GenerateSingle(context.Background(), request("templates/../private/t.html", map[string]any{"x": 1}))
	require.ErrorIs(t, err, models.ErrFolderAccessForbidden)

	heads, gets := f.blobs.counts()
	assert.Zero(t, heads)
	assert.Zero(t, gets)
}

func TestOtherBucketsAllowAnyFolder(t *testing.T) {
	f := newFixture(t, "v1")
	f.blobs.put("tenant", "anywhere/t.html", "<p>{{.x}}</p>")

	req := request("anywhere/t.html", map[string]any{"x": 1})
	req.BucketName = "tenant"
	path, err := f.convertor.GenerateSingle(context.Background(), req)
	require.NoError(t, err)

	_, ok := f.blobs.object(mainBucket, path)
	assert.True(t, ok, "outputs always go to the main bucket")
}

func TestUnsupportedExtensionBeforeDownload(t *testing.T) {
	f := newFixture(t, "v1")

	_, err := f.convertor.GenerateSingle(context.Background(), request("templates/t.txt", nil))
	require.ErrorIs(t, err, models.ErrUnsupportedExtension)
	heads, _ := f.blobs.counts()
	assert.Zero(t, heads)
}

func TestMissingVariablesBeforeConversion(t *testing.T) {
	f := newFixture(t, "v1")

	_, err := f.convertor.GenerateDocuments(context.Background(), []models.GenerateRequest{
		request("templates/t2.html", map[string]any{"x": 1}),
		request("templates/t1.html", map[string]any{"y": 1}),
	})
	require.ErrorIs(t, err, models.ErrMissingVariables)
	var e *models.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "x", e.Value)
	assert.Equal(t, 400, models.HTTPStatus(err))
	assert.Zero(t, f.converter.calls.Load())
	assert.Empty(t, f.ledger.all())
}

func TestMissingTemplateFile(t *testing.T) {
	f := newFixture(t, "v1")

	_, err := f.convertor.GenerateSingle(context.Background(), request("templates/absent.html", nil))
	require.ErrorIs(t, err, models.ErrFileNotFound)
	assert.Equal(t, 404, models.HTTPStatus(err))
}

func TestGenerateDocumentsKeepsRequestOrder(t *testing.T) {
	f := newFixture(t, "v1")
	f.converter.delay = reverseDelay
	ctx := context.Background()

	// Pre-generate the middle document so the result mixes hits and misses.
	middle, err := f.convertor.GenerateSingle(ctx, request("templates/t2.html", map[string]any{"x": 1}))
	require.NoError(t, err)

	items, err := f.convertor.GenerateDocuments(ctx, []models.GenerateRequest{
		request("templates/t1.html", map[string]any{"x": 1}),
		request("templates/t2.html", map[string]any{"x": 1}),
		request("templates/t3.html", map[string]any{"x": 1}),
	})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "templates/t1.html", items[0].InputTemplatePath)
	assert.Equal(t, "templates/t2.html", items[1].InputTemplatePath)
	assert.Equal(t, "templates/t3.html", items[2].InputTemplatePath)
	assert.Equal(t, middle, items[1].DocumentPath)
	assert.EqualValues(t, 3, f.converter.calls.Load())
}

func TestGenerateDocumentsAndMergePageCount(t *testing.T) {
	f := newFixture(t, "v1")
	ctx := context.Background()

	_, err := f.convertor.GenerateSingle(ctx, request("templates/t1.html", map[string]any{"x": 1}))
	require.NoError(t, err)
	_, getsBefore := f.blobs.counts()

	merged, err := f.convertor.GenerateDocumentsAndMerge(ctx, []models.GenerateRequest{
		request("templates/t1.html", map[string]any{"x": 1}),
		request("templates/t2.html", map[string]any{"x": 1}),
		request("templates/t3.html", map[string]any{"x": 1}),
	})
	require.NoError(t, err)

	data, ok := f.blobs.object(mainBucket, merged)
	require.True(t, ok)
	pages, err := pdfutil.PageCount(data)
	require.NoError(t, err)
	assert.Equal(t, 3, pages)

	_, getsAfter := f.blobs.counts()
	assert.Equal(t, 1, getsAfter-getsBefore-2, "only the reused document is downloaded besides two new templates")
	assert.Len(t, f.ledger.all(), 3, "the merged document itself is not recorded")
}

func TestGenerateDocumentsAndMergeKeepsPageOrder(t *testing.T) {
	f := newFixture(t, "v1")
	f.converter.delay = reverseDelay

	merged, err := f.convertor.GenerateDocumentsAndMerge(context.Background(), []models.GenerateRequest{
		request("templates/t1.html", map[string]any{"x": 1}),
		request("templates/t2.html", map[string]any{"x": 1}),
		request("templates/t3.html", map[string]any{"x": 1}),
	})
	require.NoError(t, err)

	data, ok := f.blobs.object(mainBucket, merged)
	require.True(t, ok)
	assertPageOrder(t, data)
}

func TestGenerateAndMergeKeepsPageOrder(t *testing.T) {
	f := newFixture(t, "v1")
	f.converter.delay = reverseDelay

	merged, err := f.convertor.GenerateAndMerge(context.Background(), models.MergeRequest{
		TemplatePaths:     []string{"templates/t1.html", "templates/t2.html", "templates/t3.html"},
		TemplateVariables: map[string]any{"x": 1},
	})
	require.NoError(t, err)

	data, ok := f.blobs.object(mainBucket, merged)
	require.True(t, ok)
	assertPageOrder(t, data)
}

func TestGenerateAndMergeRecordsJointDocument(t *testing.T) {
	f := newFixture(t, "v1")
	ctx := context.Background()
	req := models.MergeRequest{
		TemplatePaths:     []string{"templates/t1.html", "templates/t2.html"},
		TemplateVariables: map[string]any{"x": "merged"},
	}

	first, err := f.convertor.GenerateAndMerge(ctx, req)
	require.NoError(t, err)
	data, ok := f.blobs.object(mainBucket, first)
	require.True(t, ok)
	pages, err := pdfutil.PageCount(data)
	require.NoError(t, err)
	assert.Equal(t, 2, pages)

	records := f.ledger.all()
	require.Len(t, records, 1)
	assert.Equal(t, 2, len(strings.Split(records[0].Fingerprints, ",")))
	assert.Equal(t, first, records[0].OutputPath)

	second, err := f.convertor.GenerateAndMerge(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 2, f.converter.calls.Load())

	// Same templates in another order make another document.
	req.TemplatePaths = []string{"templates/t2.html", "templates/t1.html"}
	third, err := f.convertor.GenerateAndMerge(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestScratchDirectoriesRemoved(t *testing.T) {
	f := newFixture(t, "v1")
	ctx := context.Background()

	_, err := f.convertor.GenerateSingle(ctx, request("templates/t1.html", map[string]any{"x": 1}))
	require.NoError(t, err)
	_, err = f.convertor.GenerateSingle(ctx, request("templates/t1.html", map[string]any{"y": 1}))
	require.Error(t, err)

	entries, err := os.ReadDir(f.tmpDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, "watermarks", e.Name(), fmt.Sprintf("unexpected leftover %s", e.Name()))
	}
}

func TestEmptyRequestRejected(t *testing.T) {
	f := newFixture(t, "v1")
	_, err := f.convertor.GenerateDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, models.ErrNoTemplates)
}

func TestConcurrentIdenticalRequestsShareOneRun(t *testing.T) {
	f := newFixture(t, "v1")
	f.converter.delay = func([]byte) time.Duration { return 100 * time.Millisecond }
	req := request("templates/t1.html", map[string]any{"x": 1})

	var (
		wg    sync.WaitGroup
		paths [2]string
		errs  [2]error
	)
	for i := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			paths[i], errs[i] = f.convertor.GenerateSingle(context.Background(), req)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, paths[0], paths[1])
	assert.EqualValues(t, 1, f.converter.calls.Load())
	assert.Len(t, f.ledger.all(), 1)
}

func TestFailingRequestDoesNotCancelSharedRun(t *testing.T) {
	f := newFixture(t, "v1")
	f.converter.delay = func(index []byte) time.Duration {
		if bytes.Contains(index, []byte("second")) {
			return 50 * time.Millisecond
		}
		return 150 * time.Millisecond
	}
	f.converter.fail = func(index []byte) error {
		if bytes.Contains(index, []byte("second")) {
			return errors.New("backend rejected second")
		}
		return nil
	}

	failing := make(chan error, 1)
	go func() {
		_, err := f.convertor.GenerateDocuments(context.Background(), []models.GenerateRequest{
			request("templates/t1.html", map[string]any{"x": 1}),
			request("templates/t2.html", map[string]any{"x": 1}),
		})
		failing <- err
	}()

	time.Sleep(20 * time.Millisecond)
	path, err := f.convertor.GenerateSingle(context.Background(), request("templates/t1.html", map[string]any{"x": 1}))
	require.NoError(t, err)
	_, ok := f.blobs.object(mainBucket, path)
	assert.True(t, ok)

	err = <-failing
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend rejected second")
}

func TestCallerCancelStopsWaitingOnly(t *testing.T) {
	f := newFixture(t, "v1")
	f.converter.delay = func([]byte) time.Duration { return 100 * time.Millisecond }
	req := request("templates/t1.html", map[string]any{"x": 1})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.convertor.GenerateSingle(ctx, req)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Eventually(t, func() bool { return len(f.ledger.all()) == 1 }, time.Second, 10*time.Millisecond,
		"the shared run completes and records the document")

	path, err := f.convertor.GenerateSingle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, f.ledger.all()[0].OutputPath, path)
	assert.EqualValues(t, 1, f.converter.calls.Load())
}

func TestImageWithoutPathRejected(t *testing.T) {
	f := newFixture(t, "v1")
	req := request("templates/t1.html", map[string]any{"x": 1})
	req.Images = []models.ImageRequest{
		{VariableName: "logo", ImagePath: "templates/logo.png", Width: 10, Height: 10},
		{VariableName: "sign", Width: 10, Height: 10},
	}

	_, err := f.convertor.GenerateSingle(context.Background(), req)
	require.ErrorIs(t, err, models.ErrMissingImagePath)
	var e *models.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "images[1].imagePath", e.Field)
	heads, _ := f.blobs.counts()
	assert.Zero(t, heads)
}

func TestUnserializableVariablesRejected(t *testing.T) {
	f := newFixture(t, "v1")

	_, err := f.convertor.GenerateSingle(context.Background(), request("templates/t1.html", map[string]any{"x": func() {}}))
	require.ErrorIs(t, err, models.ErrInvalidVariables)
	assert.Equal(t, 400, models.HTTPStatus(err))

	_, err = f.convertor.GenerateAndMerge(context.Background(), models.MergeRequest{
		TemplatePaths:     []string{"templates/t1.html"},
		TemplateVariables: map[string]any{"x": make(chan int)},
	})
	require.ErrorIs(t, err, models.ErrInvalidVariables)
	heads, _ := f.blobs.counts()
	assert.Zero(t, heads)
}
