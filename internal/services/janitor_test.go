package services

import (
	"context"
	"errors"
	"testing"

	"github.com/Lllllllleong/docgenflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Find(ctx context.Context, q models.LedgerQuery) (*models.GeneratedDocument, error) {
	args := m.Called(ctx, q)
	doc, _ := args.Get(0).(*models.GeneratedDocument)
	return doc, args.Error(1)
}

func (m *mockLedger) Put(ctx context.Context, doc *models.GeneratedDocument) error {
	args := m.Called(ctx, doc)
	return args.Error(0)
}

func (m *mockLedger) DeleteByOutput(ctx context.Context, bucket, key string) (int, error) {
	args := m.Called(ctx, bucket, key)
	return args.Int(0), args.Error(1)
}

func TestJanitorDeletesRecordsOfGeneratedDocuments(t *testing.T) {
	ledger := new(mockLedger)
	ledger.On("DeleteByOutput", mock.Anything, mainBucket, "documents/abc.pdf").Return(2, nil)

	j := newJanitor(JanitorConfig{MainBucket: mainBucket}, ledger)
	assert.NoError(t, j.Process(context.Background(), models.GCSEvent{Bucket: mainBucket, Name: "documents/abc.pdf"}))
	ledger.AssertExpectations(t)
}

func TestJanitorIgnoresOtherObjects(t *testing.T) {
	ledger := new(mockLedger)
	j := newJanitor(JanitorConfig{MainBucket: mainBucket}, ledger)

	assert.NoError(t, j.Process(context.Background(), models.GCSEvent{Bucket: mainBucket, Name: "templates/t1.docx"}))
	assert.NoError(t, j.Process(context.Background(), models.GCSEvent{Bucket: "tenant", Name: "documents/abc.pdf"}))
	ledger.AssertNotCalled(t, "DeleteByOutput", mock.Anything, mock.Anything, mock.Anything)
}

func TestJanitorReportsLedgerErrors(t *testing.T) {
	ledger := new(mockLedger)
	ledger.On("DeleteByOutput", mock.Anything, mainBucket, "documents/abc.pdf").Return(0, errors.New("unavailable"))

	j := newJanitor(JanitorConfig{MainBucket: mainBucket}, ledger)
	assert.Error(t, j.Process(context.Background(), models.GCSEvent{Bucket: mainBucket, Name: "documents/abc.pdf"}))
}

func TestLookupTreatsFindErrorAsFailure(t *testing.T) {
	ledger := new(mockLedger)
	ledger.On("Find", mock.Anything, mock.AnythingOfType("models.LedgerQuery")).Return(nil, errors.New("unavailable"))

	f := newFixture(t, "v1")
	f.convertor.ledger = ledger

	_, err := f.convertor.GenerateSingle(context.Background(), request("templates/t1.html", map[string]any{"x": 1}))
	assert.Error(t, err)
	assert.Zero(t, f.converter.calls.Load())
	ledger.AssertNotCalled(t, "Put", mock.Anything, mock.Anything)
}
